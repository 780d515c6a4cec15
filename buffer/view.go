// Package buffer provides a non-owning view over a byte slice, used to pass
// outgoing payloads through the send queues without forcing a copy until one
// is actually required.
package buffer

import "fmt"

// View is a {backing, offset, count} handle into a byte slice. It does not
// own the backing array: the caller must not mutate backing[offset:offset+count]
// after handing a View to a producer call such as Post or Send.
type View struct {
	backing []byte
	offset  int
	count   int
}

// New validates offset/count against backing and returns a View.
// It panics on an invalid range, mirroring the teacher's "this is a
// programmer error, not a runtime condition" stance on buffer misuse.
func New(backing []byte, offset, count int) View {
	if offset < 0 || count < 0 || offset+count > len(backing) {
		panic(fmt.Sprintf("buffer: invalid view offset=%d count=%d len=%d", offset, count, len(backing)))
	}
	return View{backing: backing, offset: offset, count: count}
}

// Of returns a View spanning the whole of b.
func Of(b []byte) View { return New(b, 0, len(b)) }

// Len returns the number of bytes in the view.
func (v View) Len() int { return v.count }

// Bytes returns the view's window into the backing array without copying.
// The returned slice must be treated as read-only.
func (v View) Bytes() []byte { return v.backing[v.offset : v.offset+v.count] }

// Copy materializes a contiguous, independently-owned copy of the view.
func (v View) Copy() []byte {
	out := make([]byte, v.count)
	copy(out, v.Bytes())
	return out
}
