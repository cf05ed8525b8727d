package main

import "github.com/lioen-dev/kiwiOS/kernel/kmain"

// main is the only Go symbol that is visible (exported) from the rt0
// initialization code. It works as a trampoline for calling the actual
// kernel entrypoint (kmain.Kmain) and is intentionally defined to prevent
// the Go compiler from optimizing away the kernel code, since it has no
// visibility into the rt0 code that calls it.
//
// main is invoked by the rt0 assembly code once the boot protocol's
// response has been recorded via bootinfo.Init, the GDT is set up, and a
// minimal g0 struct exists on the 4K stack the assembly code allocated.
//
// main is not expected to return. If it does, the rt0 code halts the CPU.
func main() {
	kmain.Kmain()
}
