// Package wasmtest provides tiny hand-assembled WASI modules for tests, so
// sandbox and end-to-end tests do not need a Rust toolchain.
package wasmtest

var header = []byte{0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00}

func module(sections ...[]byte) []byte {
	out := append([]byte{}, header...)
	for _, s := range sections {
		out = append(out, s...)
	}
	return out
}

// wasiImport is the "wasi_snapshot_preview1" module name, length-prefixed.
var wasiImport = append([]byte{0x16}, "wasi_snapshot_preview1"...)

// PrintOne writes "1" to stdout with fd_write and returns from _start.
func PrintOne() []byte {
	imp := append([]byte{0x02, 0x23, 0x01}, wasiImport...)
	imp = append(imp, 0x08)
	imp = append(imp, "fd_write"...)
	imp = append(imp, 0x00, 0x00)

	return module(
		// type 0: (i32 i32 i32 i32) -> i32, type 1: () -> ()
		[]byte{0x01, 0x0c, 0x02, 0x60, 0x04, 0x7f, 0x7f, 0x7f, 0x7f, 0x01, 0x7f, 0x60, 0x00, 0x00},
		imp,
		[]byte{0x03, 0x02, 0x01, 0x01},
		[]byte{0x05, 0x03, 0x01, 0x00, 0x01},
		exportMemoryAndStart(),
		// fd_write(1, iovs=0, iovs_len=1, nwritten=12); drop
		[]byte{0x0a, 0x0f, 0x01, 0x0d, 0x00,
			0x41, 0x01, 0x41, 0x00, 0x41, 0x01, 0x41, 0x0c,
			0x10, 0x00, 0x1a, 0x0b},
		// iovec{buf=8, len=1} at 0, "1" at 8
		[]byte{0x0b, 0x0f, 0x01, 0x00, 0x41, 0x00, 0x0b, 0x09,
			0x08, 0x00, 0x00, 0x00, 0x01, 0x00, 0x00, 0x00, 0x31},
	)
}

// Exit calls proc_exit(3).
func Exit() []byte {
	imp := append([]byte{0x02, 0x24, 0x01}, wasiImport...)
	imp = append(imp, 0x09)
	imp = append(imp, "proc_exit"...)
	imp = append(imp, 0x00, 0x00)

	return module(
		// type 0: (i32) -> (), type 1: () -> ()
		[]byte{0x01, 0x08, 0x02, 0x60, 0x01, 0x7f, 0x00, 0x60, 0x00, 0x00},
		imp,
		[]byte{0x03, 0x02, 0x01, 0x01},
		[]byte{0x05, 0x03, 0x01, 0x00, 0x01},
		exportMemoryAndStart(),
		[]byte{0x0a, 0x08, 0x01, 0x06, 0x00, 0x41, 0x03, 0x10, 0x00, 0x0b},
	)
}

// Trap executes `unreachable`.
func Trap() []byte {
	return module(
		[]byte{0x01, 0x04, 0x01, 0x60, 0x00, 0x00},
		[]byte{0x03, 0x02, 0x01, 0x00},
		exportStart(),
		[]byte{0x0a, 0x05, 0x01, 0x03, 0x00, 0x00, 0x0b},
	)
}

// Spin loops forever.
func Spin() []byte {
	return module(
		[]byte{0x01, 0x04, 0x01, 0x60, 0x00, 0x00},
		[]byte{0x03, 0x02, 0x01, 0x00},
		exportStart(),
		// loop; br 0; end
		[]byte{0x0a, 0x09, 0x01, 0x07, 0x00, 0x03, 0x40, 0x0c, 0x00, 0x0b, 0x0b},
	)
}

// LargeMemory declares a 32-page (2 MiB) minimum memory and nothing else.
func LargeMemory() []byte {
	return module([]byte{0x05, 0x03, 0x01, 0x00, 0x20})
}

// Invalid is not a wasm module.
func Invalid() []byte {
	return []byte("definitely not wasm")
}

// exportMemoryAndStart exports memory 0 as "memory" and func 1 as "_start".
func exportMemoryAndStart() []byte {
	s := []byte{0x07, 0x13, 0x02, 0x06}
	s = append(s, "memory"...)
	s = append(s, 0x02, 0x00, 0x06)
	s = append(s, "_start"...)
	return append(s, 0x00, 0x01)
}

// exportStart exports func 0 as "_start".
func exportStart() []byte {
	s := []byte{0x07, 0x0a, 0x01, 0x06}
	s = append(s, "_start"...)
	return append(s, 0x00, 0x00)
}
