// Package viewlink embeds one render window's pixels inside another.
//
// A Compositor watches two windows. Whenever the display window renders, it
// reads a rectangle of the linked window's framebuffer and writes it,
// nearest-neighbour scaled, into a rectangle of the display. A short time
// after the last render it renders the display again and repeats the copy so
// the settled frame is clean.
//
// Pixels of a window that has never rendered are never read. A linked window
// that is hidden and not rendered by the server tier is rendered offscreen
// before each read.
package viewlink
