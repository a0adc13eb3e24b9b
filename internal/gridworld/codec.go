package gridworld

import (
	"fmt"

	"github.com/danielpatrickdp/goal-inference/internal/domain"
	"google.golang.org/protobuf/types/known/structpb"
)

// #region codec
// EncodeState converts a grid state to a protobuf Struct for the planner service.
func (g *Grid) EncodeState(s domain.State) (*structpb.Struct, error) {
	st, err := g.cast(s)
	if err != nil {
		return nil, err
	}
	return structpb.NewStruct(map[string]any{
		"x": st.Pos.X,
		"y": st.Pos.Y,
	})
}

// DecodeState is the inverse of EncodeState.
func (g *Grid) DecodeState(pb *structpb.Struct) (domain.State, error) {
	fields := pb.GetFields()
	xv, okx := fields["x"]
	yv, oky := fields["y"]
	if !okx || !oky {
		return nil, fmt.Errorf("decode grid state: missing x or y")
	}
	c := Cell{X: int(xv.GetNumberValue()), Y: int(yv.GetNumberValue())}
	if !g.free(c) {
		return nil, fmt.Errorf("decode grid state: cell %d,%d is not free", c.X, c.Y)
	}
	return g.StateAt(c), nil
}

// #endregion codec
