package kernel

// debugAsserts gates the shape-precondition checks: kernels do not
// allocate and do not fail, misuse is a precondition violation surfaced
// by debug-mode assertions only. Enabled by -tags smallmind_debug.
var debugAsserts = smallmindDebug
