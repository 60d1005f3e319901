// Package buffer provides a fixed-capacity ring store that keeps its live
// region contiguous in memory. Rows (channels, fields) share one append axis:
// data is appended at the right end and released from the left end, and when
// the physical tail runs out the live region is moved back to the start of
// the backing slice. Readers therefore always see plain contiguous slices,
// which keeps bulk reads (decimation, threshold scans, window extraction)
// free of wraparound handling.
//
// A RingStore is not safe for concurrent use; it is owned by a single
// goroutine.
package buffer

import (
	"cmp"
	"errors"
	"fmt"
)

var (
	// ErrOverflow is returned when an append would exceed the store capacity.
	ErrOverflow = errors.New("ring store overflow")
	// ErrUnderflow is returned when more elements are dropped than buffered.
	ErrUnderflow = errors.New("ring store underflow")
	// ErrIndex is returned when a logical index falls outside the live region.
	ErrIndex = errors.New("ring store index out of range")
	// ErrShape is returned when a batch does not match the store's row layout.
	ErrShape = errors.New("ring store shape mismatch")
)

// Element lists the value types a RingStore can hold.
type Element interface {
	~float32 | ~float64 | ~int32 | ~int64 | ~int
}

// CompareOp selects the element-wise comparison used by Compare.
type CompareOp uint8

const (
	Less CompareOp = iota
	LessEqual
	Greater
	GreaterEqual
	Equal
	NotEqual
)

// RingStore is a contiguous circular buffer over rows × allocated slots.
// The live region of every row is data[r*allocated+left : r*allocated+right].
type RingStore[T Element] struct {
	data        []T
	rows        int
	capacity    int
	allocated   int
	left        int
	right       int
	compactions uint64
}

// NewRingStore allocates a store with the given row count. Capacity bounds the
// number of logical elements along the append axis; allocated is the physical
// slot count per row and must be at least capacity. Choosing allocated well
// above capacity (2x is typical) keeps compaction rare.
func NewRingStore[T Element](rows, capacity, allocated int) (*RingStore[T], error) {
	if rows < 1 {
		return nil, fmt.Errorf("%w: rows must be >= 1 (got %d)", ErrShape, rows)
	}
	if capacity < 1 {
		return nil, fmt.Errorf("%w: capacity must be >= 1 (got %d)", ErrShape, capacity)
	}
	if allocated < capacity {
		return nil, fmt.Errorf("%w: allocated %d smaller than capacity %d", ErrShape, allocated, capacity)
	}
	return &RingStore[T]{
		data:      make([]T, rows*allocated),
		rows:      rows,
		capacity:  capacity,
		allocated: allocated,
	}, nil
}

// Append copies a batch to the right end. Every row of the batch must have the
// same width k. When Len()+k exceeds capacity the call fails with ErrOverflow
// and the store is left untouched.
func (s *RingStore[T]) Append(batch [][]T) error {
	if len(batch) != s.rows {
		return fmt.Errorf("%w: batch has %d rows, store has %d", ErrShape, len(batch), s.rows)
	}
	k := len(batch[0])
	for r := 1; r < len(batch); r++ {
		if len(batch[r]) != k {
			return fmt.Errorf("%w: row %d has width %d, row 0 has %d", ErrShape, r, len(batch[r]), k)
		}
	}
	if k == 0 {
		return nil
	}
	if s.Len()+k > s.capacity {
		return fmt.Errorf("%w: capacity %d, result would be %d+%d=%d",
			ErrOverflow, s.capacity, s.Len(), k, s.Len()+k)
	}
	if s.right+k > s.allocated {
		s.compact()
	}
	for r, row := range batch {
		base := r * s.allocated
		copy(s.data[base+s.right:base+s.right+k], row)
	}
	s.right += k
	return nil
}

// AppendRow is Append for single-row stores such as timestamp columns.
func (s *RingStore[T]) AppendRow(values []T) error {
	if s.rows != 1 {
		return fmt.Errorf("%w: AppendRow on a store with %d rows", ErrShape, s.rows)
	}
	return s.Append([][]T{values})
}

// compact moves the live region to the start of each row. copy handles the
// overlapping ranges.
func (s *RingStore[T]) compact() {
	n := s.right - s.left
	if s.left > 0 {
		for r := 0; r < s.rows; r++ {
			base := r * s.allocated
			copy(s.data[base:base+n], s.data[base+s.left:base+s.right])
		}
	}
	s.left = 0
	s.right = n
	s.compactions++
}

// Drop releases n elements from the left end.
func (s *RingStore[T]) Drop(n int) error {
	if n < 0 || n > s.Len() {
		return fmt.Errorf("%w: attempt to drop %d items but only %d present", ErrUnderflow, n, s.Len())
	}
	s.left += n
	return nil
}

// Reset drops every buffered element.
func (s *RingStore[T]) Reset() {
	s.left = s.right
}

// Len returns the number of logical elements along the append axis.
func (s *RingStore[T]) Len() int {
	return s.right - s.left
}

// Size returns the nominal capacity, not the current length.
func (s *RingStore[T]) Size() int {
	return s.capacity
}

// Free returns how many more elements fit before an append overflows.
func (s *RingStore[T]) Free() int {
	return s.capacity - s.Len()
}

// Allocated returns the physical slot count per row.
func (s *RingStore[T]) Allocated() int {
	return s.allocated
}

// Rows returns the number of parallel rows.
func (s *RingStore[T]) Rows() int {
	return s.rows
}

// Bounds returns the physical cursors of the live region.
func (s *RingStore[T]) Bounds() (left, right int) {
	return s.left, s.right
}

// Compactions returns how many times the live region has been moved.
func (s *RingStore[T]) Compactions() uint64 {
	return s.compactions
}

// physical maps a logical index to its physical slot: non-negative indexes
// count from left, negative ones from right.
func (s *RingStore[T]) physical(i int) (int, error) {
	var p int
	if i < 0 {
		p = s.right + i
	} else {
		p = s.left + i
	}
	if p < s.left || p >= s.right {
		return 0, fmt.Errorf("%w: index %d maps to %d, live region [%d,%d)", ErrIndex, i, p, s.left, s.right)
	}
	return p, nil
}

func (s *RingStore[T]) checkRow(row int) error {
	if row < 0 || row >= s.rows {
		return fmt.Errorf("%w: row %d outside [0,%d)", ErrIndex, row, s.rows)
	}
	return nil
}

// At reads one element.
func (s *RingStore[T]) At(row, i int) (T, error) {
	var zero T
	if err := s.checkRow(row); err != nil {
		return zero, err
	}
	p, err := s.physical(i)
	if err != nil {
		return zero, err
	}
	return s.data[row*s.allocated+p], nil
}

// Set writes one element inside the live region.
func (s *RingStore[T]) Set(row, i int, v T) error {
	if err := s.checkRow(row); err != nil {
		return err
	}
	p, err := s.physical(i)
	if err != nil {
		return err
	}
	s.data[row*s.allocated+p] = v
	return nil
}

// Row returns the live region of one row without copying. The slice aliases
// the backing storage and is only valid until the next Append or Drop.
func (s *RingStore[T]) Row(row int) []T {
	if row < 0 || row >= s.rows {
		return nil
	}
	base := row * s.allocated
	return s.data[base+s.left : base+s.right : base+s.right]
}

// Slice copies the logical half-open range [start, stop) of every row.
// Negative bounds count from the end; stop may equal Len().
func (s *RingStore[T]) Slice(start, stop int) ([][]T, error) {
	n := s.Len()
	if start < 0 {
		start += n
	}
	if stop < 0 {
		stop += n
	}
	if start < 0 || stop > n || start > stop {
		return nil, fmt.Errorf("%w: slice [%d:%d] of length %d", ErrIndex, start, stop, n)
	}
	out := make([][]T, s.rows)
	for r := range out {
		base := r*s.allocated + s.left
		out[r] = append([]T(nil), s.data[base+start:base+stop]...)
	}
	return out, nil
}

// Gather copies the elements at the given logical indexes, in order.
func (s *RingStore[T]) Gather(indices []int) ([][]T, error) {
	phys := make([]int, len(indices))
	for j, i := range indices {
		p, err := s.physical(i)
		if err != nil {
			return nil, err
		}
		phys[j] = p
	}
	out := make([][]T, s.rows)
	for r := range out {
		base := r * s.allocated
		row := make([]T, len(phys))
		for j, p := range phys {
			row[j] = s.data[base+p]
		}
		out[r] = row
	}
	return out, nil
}

// Select copies the elements whose mask entry is true. The mask covers the
// logical view and must be exactly Len() long.
func (s *RingStore[T]) Select(mask []bool) ([][]T, error) {
	if len(mask) != s.Len() {
		return nil, fmt.Errorf("%w: mask length %d, store length %d", ErrShape, len(mask), s.Len())
	}
	count := 0
	for _, m := range mask {
		if m {
			count++
		}
	}
	out := make([][]T, s.rows)
	for r := range out {
		view := s.Row(r)
		row := make([]T, 0, count)
		for i, m := range mask {
			if m {
				row = append(row, view[i])
			}
		}
		out[r] = row
	}
	return out, nil
}

// Compare evaluates op against v for every live element of one row.
func (s *RingStore[T]) Compare(row int, op CompareOp, v T) []bool {
	view := s.Row(row)
	out := make([]bool, len(view))
	for i, x := range view {
		switch op {
		case Less:
			out[i] = x < v
		case LessEqual:
			out[i] = x <= v
		case Greater:
			out[i] = x > v
		case GreaterEqual:
			out[i] = x >= v
		case Equal:
			out[i] = x == v
		case NotEqual:
			out[i] = x != v
		}
	}
	return out
}

// Min returns the smallest live element across all rows.
func (s *RingStore[T]) Min() (T, error) {
	return s.reduce(func(a, b T) T { return min(a, b) })
}

// Max returns the largest live element across all rows.
func (s *RingStore[T]) Max() (T, error) {
	return s.reduce(func(a, b T) T { return max(a, b) })
}

func (s *RingStore[T]) reduce(pick func(a, b T) T) (T, error) {
	var acc T
	if s.Len() == 0 {
		return acc, fmt.Errorf("%w: reduction on empty store", ErrIndex)
	}
	acc = s.Row(0)[0]
	for r := 0; r < s.rows; r++ {
		for _, x := range s.Row(r) {
			acc = pick(acc, x)
		}
	}
	return acc, nil
}

// SearchFirst returns the first logical index in row whose element is >= v,
// or Len() when none is. The row must be non-decreasing.
func (s *RingStore[T]) SearchFirst(row int, v T) int {
	view := s.Row(row)
	lo, hi := 0, len(view)
	for lo < hi {
		mid := int(uint(lo+hi) >> 1)
		if cmp.Less(view[mid], v) {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	return lo
}

// String summarises the cursor state for logs.
func (s *RingStore[T]) String() string {
	return fmt.Sprintf("RingStore{rows=%d len=%d cap=%d alloc=%d left=%d right=%d}",
		s.rows, s.Len(), s.capacity, s.allocated, s.left, s.right)
}
