// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package graph

import "github.com/gomlx/gopjrt/dtypes"

// onnxDataTypes maps the ONNX TensorProto.DataType enumeration, used by attributes like Cast's "to",
// to DTypes.
var onnxDataTypes = map[int64]dtypes.DType{
	1:  dtypes.Float32,
	2:  dtypes.Uint8,
	3:  dtypes.Int8,
	4:  dtypes.Uint16,
	5:  dtypes.Int16,
	6:  dtypes.Int32,
	7:  dtypes.Int64,
	9:  dtypes.Bool,
	10: dtypes.Float16,
	11: dtypes.Float64,
	12: dtypes.Uint32,
	13: dtypes.Uint64,
}

// DTypeFromONNX converts an ONNX TensorProto.DataType value. It returns dtypes.InvalidDType for unsupported values.
func DTypeFromONNX(dataType int64) dtypes.DType {
	if dtype, found := onnxDataTypes[dataType]; found {
		return dtype
	}
	return dtypes.InvalidDType
}

// ONNXFromDType converts a DType to the ONNX TensorProto.DataType value, or 0 (UNDEFINED) if not supported.
func ONNXFromDType(dtype dtypes.DType) int64 {
	for dataType, candidate := range onnxDataTypes {
		if candidate == dtype {
			return dataType
		}
	}
	return 0
}
