// Package split partitions a page set into two.
//
// A split reads a snapshot of the source, partitions its page list once,
// creates the child from the selected pages and then compare-and-swaps the
// source to the remaining pages at the snapshot's version. If the swap loses,
// the child is deleted and the caller sees a conflict.
package split
