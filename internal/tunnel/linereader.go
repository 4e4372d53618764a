package tunnel

import (
	"bufio"
	"io"
)

// maxLineSize bounds a single agent log line.
const maxLineSize = 1 << 20

// readLines delivers r to fn line by line. Lines end on \n or \r\n (the
// scanner strips the terminator); residue without a trailing newline is
// flushed at EOF.
func readLines(r io.Reader, fn func(string)) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), maxLineSize)
	for sc.Scan() {
		fn(sc.Text())
	}
}
