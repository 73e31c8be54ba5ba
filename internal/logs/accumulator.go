package logs

import "strings"

// DeployBanner replaces the build log when an operator starts a deployment.
const DeployBanner = "Starting deployment...\n"

// Accumulator holds the build and runtime log text of one observed project.
//
// The build log only grows through Append and is emptied only by Clear or Reset. The runtime
// log is replaced wholesale on every poll. An Accumulator is not safe for concurrent use; the
// owning store serialises access.
type Accumulator struct {
	build   strings.Builder
	runtime string
	seeded  bool
}

// Append adds a build log fragment.
func (a *Accumulator) Append(fragment string) {
	a.build.WriteString(fragment)
}

// Seed fills an empty build log with the backend's stored log of the latest deployment.
// It takes effect at most once per Accumulator and reports whether it did.
func (a *Accumulator) Seed(text string) bool {
	if a.seeded || text == "" || a.build.Len() > 0 {
		return false
	}
	a.seeded = true
	a.build.WriteString(text)
	return true
}

// Reset replaces the build log with text.
func (a *Accumulator) Reset(text string) {
	a.build.Reset()
	a.build.WriteString(text)
	a.seeded = true
}

// Clear empties the build log.
func (a *Accumulator) Clear() {
	a.build.Reset()
	a.seeded = true
}

// BuildMark is a saved build log, see Mark.
type BuildMark struct {
	text   string
	seeded bool
}

// Mark saves the build log so a later Restore can put it back.
func (a *Accumulator) Mark() BuildMark {
	return BuildMark{text: a.build.String(), seeded: a.seeded}
}

// Restore puts back the build log saved by Mark.
func (a *Accumulator) Restore(m BuildMark) {
	a.build.Reset()
	a.build.WriteString(m.text)
	a.seeded = m.seeded
}

// SetRuntime replaces the runtime log.
func (a *Accumulator) SetRuntime(text string) {
	a.runtime = text
}

// ClearRuntime empties the runtime log.
func (a *Accumulator) ClearRuntime() {
	a.runtime = ""
}

// Build returns the build log.
func (a *Accumulator) Build() string {
	return a.build.String()
}

// Runtime returns the runtime log.
func (a *Accumulator) Runtime() string {
	return a.runtime
}
