package shapecheck

import (
	"fmt"
	"strings"
)

// Dtype identifies a tensor element type. The set is owned by the tensor
// runtime; guards only compare values.
type Dtype string

// Device identifies where a tensor lives.
type Device struct {
	Type  string // "cpu", "cuda", ...
	Index int
}

func (d Device) String() string {
	if d.Type == "cpu" {
		return d.Type
	}
	return fmt.Sprintf("%s:%d", d.Type, d.Index)
}

// Tensor is the narrow view of a runtime tensor this package checks. The
// tensor computation runtime is an external collaborator; it implements this
// interface on its own types.
type Tensor interface {
	Dtype() Dtype
	Device() Device
	Dim() int
	Size(dim int) int64
	Stride(dim int) int64
	StorageOffset() int64
	RequiresGrad() bool
}

// TensorSnapshot is the metadata of an example tensor captured at compile
// time. DynamicDims marks dimensions whose extent is symbolic; those are
// excluded from the metadata fast path and covered by synthesized shape
// guards instead.
type TensorSnapshot struct {
	Dtype         Dtype
	Device        Device
	RequiresGrad  bool
	Sizes   []int64
	Strides []int64
	// StorageOffset is captured for snapshot printing only. The fast path
	// does not compare it: the offset is always allocated symbolically, so
	// the synthesized shape guards cover it.
	StorageOffset int64
	DynamicDims   map[int]bool
}

// SnapshotTensor captures the checkable metadata of t.
func SnapshotTensor(t Tensor, dynamicDims map[int]bool) TensorSnapshot {
	dim := t.Dim()
	snap := TensorSnapshot{
		Dtype:         t.Dtype(),
		Device:        t.Device(),
		RequiresGrad:  t.RequiresGrad(),
		Sizes:         make([]int64, dim),
		Strides:       make([]int64, dim),
		StorageOffset: t.StorageOffset(),
		DynamicDims:   dynamicDims,
	}
	for i := 0; i < dim; i++ {
		snap.Sizes[i] = t.Size(i)
		snap.Strides[i] = t.Stride(i)
	}
	return snap
}

func (s TensorSnapshot) dynamic(dim int) bool { return s.DynamicDims[dim] }

// matches is the fast path: one bulk comparison of a fresh tensor against
// the snapshot, cheap enough to run before every dispatch.
func (s TensorSnapshot) matches(t Tensor) bool {
	if t.Dtype() != s.Dtype || t.Device() != s.Device || t.RequiresGrad() != s.RequiresGrad {
		return false
	}
	if t.Dim() != len(s.Sizes) {
		return false
	}
	// Sizes before strides: a size change shifts downstream strides, and
	// the causal mismatch is the size.
	for i := range s.Sizes {
		if !s.dynamic(i) && t.Size(i) != s.Sizes[i] {
			return false
		}
	}
	for i := range s.Strides {
		if !s.dynamic(i) && t.Stride(i) != s.Strides[i] {
			return false
		}
	}
	return true
}

// explain recomputes the comparison field by field and returns a
// human-readable reason for the first mismatch. Only called after matches
// reported false and a verbose reason was requested.
func (s TensorSnapshot) explain(name string, t Tensor) string {
	if got, want := t.Dtype(), s.Dtype; got != want {
		return fmt.Sprintf("%s: dtype mismatch: got %s, expected %s", name, got, want)
	}
	if got, want := t.Device(), s.Device; got != want {
		return fmt.Sprintf("%s: device mismatch: got %s, expected %s", name, got, want)
	}
	if got, want := t.RequiresGrad(), s.RequiresGrad; got != want {
		return fmt.Sprintf("%s: requires_grad mismatch: got %v, expected %v", name, got, want)
	}
	if got, want := t.Dim(), len(s.Sizes); got != want {
		return fmt.Sprintf("%s: rank mismatch: got %d, expected %d", name, got, want)
	}
	for i := range s.Sizes {
		if s.dynamic(i) {
			continue
		}
		if got, want := t.Size(i), s.Sizes[i]; got != want {
			return fmt.Sprintf("%s: size mismatch at dimension %d: got %d, expected %d", name, i, got, want)
		}
	}
	for i := range s.Strides {
		if s.dynamic(i) {
			continue
		}
		if got, want := t.Stride(i), s.Strides[i]; got != want {
			return fmt.Sprintf("%s: stride mismatch at dimension %d: got %d, expected %d", name, i, got, want)
		}
	}
	return fmt.Sprintf("%s: tensor metadata matches on re-check", name)
}

func (s TensorSnapshot) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Tensor(dtype=%s, device=%s, sizes=%v, strides=%v", s.Dtype, s.Device, s.Sizes, s.Strides)
	if s.StorageOffset != 0 {
		fmt.Fprintf(&b, ", storage_offset=%d", s.StorageOffset)
	}
	if s.RequiresGrad {
		b.WriteString(", requires_grad=true")
	}
	b.WriteString(")")
	return b.String()
}

// FakeTensor is a simple Tensor implementation used by tests and the CLI.
type FakeTensor struct {
	Dt     Dtype
	Dev    Device
	Shape  []int64
	Strd   []int64
	Offset int64
	Grad   bool
}

// NewFakeTensor builds a contiguous FakeTensor over the given sizes.
func NewFakeTensor(dtype Dtype, sizes ...int64) *FakeTensor {
	strides := make([]int64, len(sizes))
	acc := int64(1)
	for i := len(sizes) - 1; i >= 0; i-- {
		strides[i] = acc
		acc *= sizes[i]
	}
	return &FakeTensor{Dt: dtype, Dev: Device{Type: "cpu"}, Shape: sizes, Strd: strides}
}

func (f *FakeTensor) Dtype() Dtype          { return f.Dt }
func (f *FakeTensor) Device() Device        { return f.Dev }
func (f *FakeTensor) Dim() int              { return len(f.Shape) }
func (f *FakeTensor) Size(dim int) int64    { return f.Shape[dim] }
func (f *FakeTensor) Stride(dim int) int64  { return f.Strd[dim] }
func (f *FakeTensor) StorageOffset() int64  { return f.Offset }
func (f *FakeTensor) RequiresGrad() bool    { return f.Grad }
