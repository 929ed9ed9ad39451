// Package tensor converts frames into normalized model inputs and provides the
// small amount of numeric glue (softmax, sigmoid) needed to read model heads.
package tensor
