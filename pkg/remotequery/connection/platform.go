package connection

import "runtime"

// hedgingSupported mirrors the design's "only where the OS supports
// interruptible I/O" caveat for the hedged variant (§4.2). Windows'
// lack of a cheap select()-style cancel-in-place primitive is the one
// platform the teacher's own stack special-cases for this kind of
// racing I/O; everywhere else hedging is available.
var hedgingSupported = runtime.GOOS != "windows"
