// Package notes stores operator notes, product-machine notes, and the images
// attached to them.
//
// Note content and image annotations are closed sets of tagged variants that
// are validated on the way in, so every stored payload decodes into exactly
// one known shape. Images carry a revision counter and annotation updates are
// applied by compare-and-swap on it.
//
// Image metadata and image files are not written atomically with each other.
// Sweeper reconciles the two: it removes files no active row references and
// reports active rows whose file has gone missing.
package notes
