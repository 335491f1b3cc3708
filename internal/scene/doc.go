// Package scene holds the value types shared by every stage of the change
// detection pipeline.
//
// Responsibilities: 2D detection records, change kinds, 3D change points and
// clusters, and the error taxonomy used to separate fatal configuration
// problems from per-image data problems.
//
// Dependency rule: scene depends only on the standard library. Stage packages
// (changedetect, lift, refine) depend on scene, never the reverse.
package scene
