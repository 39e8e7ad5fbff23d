// Package splload carries module-level metadata shared by the CLI and
// anything embedding the pipeline.
package splload

// Version is the release version of the splload tool.
const Version = "v0.1.0"
