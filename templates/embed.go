// Package templates provides the embedded role prompts and skill
// documents. Files under data/prompts/ override the embedded defaults
// at runtime.
package templates

import "embed"

// Prompts contains the built-in role prompt bodies, one file per role id.
//
//go:embed prompts/*.md
var Prompts embed.FS

// Skills contains skill documents that prompt augmentation rules append
// to worker prompts.
//
//go:embed skills/*.md
var Skills embed.FS
