// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package cpu

import (
	"slices"

	"github.com/gomlx/graphrt/kernels"
	"github.com/gomlx/graphrt/types/shapes"
	"github.com/gomlx/graphrt/types/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
)

// convConfig holds the validated attributes of a 2D convolution in NCHW layout.
type convConfig struct {
	strides, dilations [2]int
	pads               [4]int // top, left, bottom, right.
	kernelShape        []int

	// activation is set for FusedConv.
	activation func(x float64) float64
}

func intsOr(values []int64, defaults ...int) []int {
	if values == nil {
		return defaults
	}
	ints := make([]int, len(values))
	for ii, v := range values {
		ints[ii] = int(v)
	}
	return ints
}

// newConvKernel creates the Conv kernel, and the FusedConv one when the node carries an "activation" attribute.
// Only 2D convolutions with group=1 and explicit padding are supported.
func newConvKernel(info *kernels.Info) (kernels.Kernel, error) {
	attrs := info.Node.Attributes()
	if autoPad := attrs.String("auto_pad", "NOTSET"); autoPad != "NOTSET" {
		return nil, errors.Errorf("Conv: auto_pad=%q not supported", autoPad)
	}
	if group := attrs.Int("group", 1); group != 1 {
		return nil, errors.Errorf("Conv: group=%d not supported", group)
	}
	var cfg convConfig
	strides := intsOr(attrs.Ints("strides"), 1, 1)
	dilations := intsOr(attrs.Ints("dilations"), 1, 1)
	pads := intsOr(attrs.Ints("pads"), 0, 0, 0, 0)
	if len(strides) != 2 || len(dilations) != 2 || len(pads) != 4 {
		return nil, errors.Errorf("Conv: only 2D convolutions are supported, got strides=%v dilations=%v pads=%v",
			strides, dilations, pads)
	}
	copy(cfg.strides[:], strides)
	copy(cfg.dilations[:], dilations)
	copy(cfg.pads[:], pads)
	if slices.ContainsFunc(slices.Concat(strides, dilations), func(v int) bool { return v <= 0 }) ||
		slices.ContainsFunc(pads, func(v int) bool { return v < 0 }) {
		return nil, errors.Errorf("Conv: invalid strides=%v dilations=%v pads=%v", strides, dilations, pads)
	}
	cfg.kernelShape = intsOr(attrs.Ints("kernel_shape"))
	if activation := attrs.String("activation", ""); activation != "" {
		fn, err := activationFn(activation, attrs.Floats("activation_params"))
		if err != nil {
			return nil, errors.WithMessage(err, "FusedConv")
		}
		cfg.activation = fn
	}
	return kernels.KernelFunc(func(ctx *kernels.Context) error {
		if err := requireInputs(ctx, 2); err != nil {
			return err
		}
		if err := sameDTypes(ctx, 1, 2); err != nil {
			return err
		}
		switch ctx.Input(0).DType() {
		case dtypes.Float32:
			return computeConv[float32](ctx, &cfg)
		case dtypes.Float64:
			return computeConv[float64](ctx, &cfg)
		}
		return errors.Errorf("Conv: dtype %s not supported", ctx.Input(0).DType())
	}), nil
}

func computeConv[T float](ctx *kernels.Context, cfg *convConfig) error {
	x, w, bias := ctx.Input(0), ctx.Input(1), ctx.Input(2)
	if x.Rank() != 4 || w.Rank() != 4 {
		return errors.Errorf("Conv: input %s and weights %s must be rank 4 (NCHW)", x.Shape(), w.Shape())
	}
	batch, inChannels, inH, inW := x.Shape().Dimensions[0], x.Shape().Dimensions[1], x.Shape().Dimensions[2], x.Shape().Dimensions[3]
	outChannels, wChannels, kH, kW := w.Shape().Dimensions[0], w.Shape().Dimensions[1], w.Shape().Dimensions[2], w.Shape().Dimensions[3]
	if wChannels != inChannels {
		return errors.Errorf("Conv: weights %s don't match input channels of %s", w.Shape(), x.Shape())
	}
	if cfg.kernelShape != nil && !slices.Equal(cfg.kernelShape, []int{kH, kW}) {
		return errors.Errorf("Conv: kernel_shape %v doesn't match weights %s", cfg.kernelShape, w.Shape())
	}
	if bias != nil && (bias.Rank() != 1 || bias.Shape().Dimensions[0] != outChannels) {
		return errors.Errorf("Conv: bias %s doesn't match %d output channels", bias.Shape(), outChannels)
	}
	outH := (inH+cfg.pads[0]+cfg.pads[2]-cfg.dilations[0]*(kH-1)-1)/cfg.strides[0] + 1
	outW := (inW+cfg.pads[1]+cfg.pads[3]-cfg.dilations[1]*(kW-1)-1)/cfg.strides[1] + 1
	if outH <= 0 || outW <= 0 {
		return errors.Errorf("Conv: input %s too small for weights %s", x.Shape(), w.Shape())
	}
	out, err := ctx.Output(0, shapes.Make(x.DType(), batch, outChannels, outH, outW))
	if err != nil {
		return err
	}
	xFlat, wFlat, outFlat := tensors.Flat[T](x), tensors.Flat[T](w), tensors.Flat[T](out)
	var biasFlat []T
	if bias != nil {
		biasFlat = tensors.Flat[T](bias)
	}
	outIdx := 0
	for n := range batch {
		for oc := range outChannels {
			for oh := range outH {
				for ow := range outW {
					var sum T
					if biasFlat != nil {
						sum = biasFlat[oc]
					}
					for ic := range inChannels {
						for kh := range kH {
							ih := oh*cfg.strides[0] - cfg.pads[0] + kh*cfg.dilations[0]
							if ih < 0 || ih >= inH {
								continue
							}
							for kw := range kW {
								iw := ow*cfg.strides[1] - cfg.pads[1] + kw*cfg.dilations[1]
								if iw < 0 || iw >= inW {
									continue
								}
								sum += xFlat[((n*inChannels+ic)*inH+ih)*inW+iw] * wFlat[((oc*inChannels+ic)*kH+kh)*kW+kw]
							}
						}
					}
					if cfg.activation != nil {
						sum = T(cfg.activation(float64(sum)))
					}
					outFlat[outIdx] = sum
					outIdx++
				}
			}
		}
	}
	return nil
}
