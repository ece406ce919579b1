package stage

import (
	"context"

	"github.com/gwillem/thorstage/pkg/mcm3000"
)

// ZStage binds one MCM3000 channel to the Stage interface. It is the focus
// axis of a scanning microscope: Home drives to absolute zero and Retract
// parks the stage before X-Y motion.
type ZStage struct {
	ctrl  *mcm3000.Controller
	label int
	name  string
}

// NewZStage wraps a controller channel. The controller stays owned by the
// caller and must outlive the stage.
func NewZStage(ctrl *mcm3000.Controller, label int, name string) *ZStage {
	if name == "" {
		name = "Z Stage"
	}
	return &ZStage{ctrl: ctrl, label: label, name: name}
}

func (z *ZStage) MoveUm(ctx context.Context, um float64, relative bool) (float64, bool, error) {
	return z.ctrl.MoveUm(ctx, z.label, um, mcm3000.MoveOpts{Relative: relative, Block: true})
}

func (z *ZStage) PositionUm(ctx context.Context) (float64, error) {
	return z.ctrl.GetPositionUm(z.label)
}

func (z *ZStage) Home(ctx context.Context) error {
	_, _, err := z.ctrl.MoveZero(ctx, z.label, true)
	return err
}

func (z *ZStage) Retract(ctx context.Context) error {
	return z.ctrl.Retract(ctx, z.label)
}

func (z *ZStage) Metadata() Metadata {
	md, err := z.ctrl.Metadata(z.label)
	if err != nil {
		return Metadata{"name": z.name, "error": err.Error()}
	}
	out := Metadata{"name": z.name}
	for k, v := range md {
		out[k] = v
	}
	return out
}
