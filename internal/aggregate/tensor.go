package aggregate

import (
	"encoding/json"
	"errors"
	"fmt"
	"slices"
)

var ErrShapeMismatch = errors.New("weight shapes do not match")

// Tensor is a dense numeric array. On the wire it is a JSON number (shape
// []) or a rectangular nest of arrays.
type Tensor struct {
	Shape []int
	Data  []float64
}

func Scalar(v float64) Tensor {
	return Tensor{Shape: []int{}, Data: []float64{v}}
}

func Vector(vs ...float64) Tensor {
	return Tensor{Shape: []int{len(vs)}, Data: slices.Clone(vs)}
}

func (t Tensor) SameShape(o Tensor) bool {
	return slices.Equal(t.Shape, o.Shape)
}

func (t Tensor) scaled(f float64) Tensor {
	out := Tensor{Shape: slices.Clone(t.Shape), Data: make([]float64, len(t.Data))}
	for i, v := range t.Data {
		out.Data[i] = v * f
	}
	return out
}

// addScaled adds o*f into t in place.
func (t Tensor) addScaled(o Tensor, f float64) error {
	if !t.SameShape(o) {
		return fmt.Errorf("%w: %v vs %v", ErrShapeMismatch, t.Shape, o.Shape)
	}
	for i, v := range o.Data {
		t.Data[i] += v * f
	}
	return nil
}

func (t *Tensor) UnmarshalJSON(b []byte) error {
	var raw any
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	shape, err := shapeOf(raw)
	if err != nil {
		return err
	}
	data := make([]float64, 0, product(shape))
	if err := flatten(raw, shape, &data); err != nil {
		return err
	}
	t.Shape, t.Data = shape, data
	return nil
}

func (t Tensor) MarshalJSON() ([]byte, error) {
	if len(t.Data) != product(t.Shape) {
		return nil, fmt.Errorf("tensor has %d values for shape %v", len(t.Data), t.Shape)
	}
	nested, _ := nest(t.Data, t.Shape)
	return json.Marshal(nested)
}

// shapeOf follows the first element at each depth.
func shapeOf(v any) ([]int, error) {
	shape := []int{}
	for {
		switch x := v.(type) {
		case float64:
			return shape, nil
		case []any:
			shape = append(shape, len(x))
			if len(x) == 0 {
				return shape, nil
			}
			v = x[0]
		default:
			return nil, fmt.Errorf("tensor element must be a number or array, got %T", v)
		}
	}
}

func flatten(v any, shape []int, out *[]float64) error {
	if len(shape) == 0 {
		f, ok := v.(float64)
		if !ok {
			return fmt.Errorf("%w: expected number, got %T", ErrShapeMismatch, v)
		}
		*out = append(*out, f)
		return nil
	}
	arr, ok := v.([]any)
	if !ok || len(arr) != shape[0] {
		return fmt.Errorf("%w: ragged array", ErrShapeMismatch)
	}
	for _, e := range arr {
		if err := flatten(e, shape[1:], out); err != nil {
			return err
		}
	}
	return nil
}

func nest(data []float64, shape []int) (any, []float64) {
	if len(shape) == 0 {
		return data[0], data[1:]
	}
	out := make([]any, shape[0])
	for i := range out {
		out[i], data = nest(data, shape[1:])
	}
	return out, data
}

func product(shape []int) int {
	n := 1
	for _, d := range shape {
		n *= d
	}
	return n
}
