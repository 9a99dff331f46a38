package windows

import (
	"errors"
	"fmt"
	"image"
	"image/color"
	"sync"
)

var (
	ErrUnknownWindow = errors.New("unknown window")
	ErrOutOfBounds   = errors.New("rectangle outside window")
)

// Handle identifies a backend window.
type Handle int

// Backend is the windowing system. The manager and the view-link compositor use
// nothing else from it. Pixel buffers are tightly packed RGBA, row-major, top
// row first.
type Backend interface {
	CreateWindow() (Handle, error)
	Render(h Handle) error
	GetPixels(h Handle, r image.Rectangle) ([]byte, error)
	SetPixels(h Handle, r image.Rectangle, pix []byte) error
}

// Resizer is implemented by backends whose windows follow the layout size.
type Resizer interface {
	Resize(h Handle, width, height int) error
}

const defaultWindowSize = 300

type memWindow struct {
	img     *image.RGBA
	fill    color.RGBA
	renders int
}

// MemoryBackend is a headless backend. Render paints the whole window with its
// fill colour.
type MemoryBackend struct {
	mu      sync.Mutex
	next    Handle
	windows map[Handle]*memWindow
}

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{windows: make(map[Handle]*memWindow)}
}

func (b *MemoryBackend) CreateWindow() (Handle, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.next++
	h := b.next
	b.windows[h] = &memWindow{
		img:  image.NewRGBA(image.Rect(0, 0, defaultWindowSize, defaultWindowSize)),
		fill: color.RGBA{R: uint8(40 * h), G: uint8(90 * h), B: uint8(150 * h), A: 255},
	}
	return h, nil
}

func (b *MemoryBackend) window(h Handle) (*memWindow, error) {
	w, ok := b.windows[h]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownWindow, h)
	}
	return w, nil
}

func (b *MemoryBackend) Resize(h Handle, width, height int) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	w, err := b.window(h)
	if err != nil {
		return err
	}
	if width < 1 || height < 1 {
		return fmt.Errorf("%w: %dx%d", ErrOutOfBounds, width, height)
	}
	if w.img.Rect.Dx() == width && w.img.Rect.Dy() == height {
		return nil
	}
	w.img = image.NewRGBA(image.Rect(0, 0, width, height))
	return nil
}

func (b *MemoryBackend) Render(h Handle) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	w, err := b.window(h)
	if err != nil {
		return err
	}
	for i := 0; i < len(w.img.Pix); i += 4 {
		w.img.Pix[i] = w.fill.R
		w.img.Pix[i+1] = w.fill.G
		w.img.Pix[i+2] = w.fill.B
		w.img.Pix[i+3] = w.fill.A
	}
	w.renders++
	return nil
}

func (b *MemoryBackend) GetPixels(h Handle, r image.Rectangle) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	w, err := b.window(h)
	if err != nil {
		return nil, err
	}
	if r.Empty() || !r.In(w.img.Rect) {
		return nil, fmt.Errorf("%w: %v not in %v", ErrOutOfBounds, r, w.img.Rect)
	}
	out := make([]byte, 0, 4*r.Dx()*r.Dy())
	for y := r.Min.Y; y < r.Max.Y; y++ {
		row := w.img.PixOffset(r.Min.X, y)
		out = append(out, w.img.Pix[row:row+4*r.Dx()]...)
	}
	return out, nil
}

func (b *MemoryBackend) SetPixels(h Handle, r image.Rectangle, pix []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	w, err := b.window(h)
	if err != nil {
		return err
	}
	if r.Empty() || !r.In(w.img.Rect) {
		return fmt.Errorf("%w: %v not in %v", ErrOutOfBounds, r, w.img.Rect)
	}
	if len(pix) != 4*r.Dx()*r.Dy() {
		return fmt.Errorf("%w: %d bytes for %v", ErrOutOfBounds, len(pix), r)
	}
	stride := 4 * r.Dx()
	for y := r.Min.Y; y < r.Max.Y; y++ {
		row := w.img.PixOffset(r.Min.X, y)
		copy(w.img.Pix[row:row+stride], pix[(y-r.Min.Y)*stride:])
	}
	return nil
}

// SetFill sets the colour Render paints.
func (b *MemoryBackend) SetFill(h Handle, c color.RGBA) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	w, err := b.window(h)
	if err != nil {
		return err
	}
	w.fill = c
	return nil
}

// Renders counts Render calls on h.
func (b *MemoryBackend) Renders(h Handle) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if w, ok := b.windows[h]; ok {
		return w.renders
	}
	return 0
}

func (b *MemoryBackend) Size(h Handle) (width, height int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if w, ok := b.windows[h]; ok {
		return w.img.Rect.Dx(), w.img.Rect.Dy()
	}
	return 0, 0
}

// At returns the pixel at (x, y) of h.
func (b *MemoryBackend) At(h Handle, x, y int) color.RGBA {
	b.mu.Lock()
	defer b.mu.Unlock()
	if w, ok := b.windows[h]; ok {
		return w.img.RGBAAt(x, y)
	}
	return color.RGBA{}
}
