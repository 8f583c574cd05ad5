// Package main provides the leafdx CLI.
//
// leafdx diagnoses plant leaf diseases from photos with an ONNX classifier.
//
// Usage:
//
//	leafdx serve
//	leafdx predict leaf.jpg
//	leafdx labels
package main

func main() {
	Execute()
}
