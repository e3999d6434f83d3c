package debug

// DEBUG gates the compiler's chunk-disassembly trace and the VM's
// per-instruction stack trace, both emitted through logrus at debug level.
// Flipped on by the CLI's `-v debug` flag.
var DEBUG = false
