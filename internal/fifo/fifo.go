// Package fifo implements a circular byte buffer for reassembling framed
// byte streams without reallocating on every partial read from a socket.
// The transport packages in this module read from their sockets directly
// and do not use it.
package fifo

// Fifo is a circular byte buffer. Write appends as much as fits; Read drains
// from the front. Peek/Commit let a caller look ahead at buffered bytes
// (e.g. to parse an 8-byte chunk preamble) before deciding how much of the
// buffer to actually consume.
type Fifo struct {
	buffer   []byte
	writePos int
	readPos  int
	peekPos  int
}

func New(size int) *Fifo {
	return &Fifo{buffer: make([]byte, size)}
}

func (f *Fifo) Reset() {
	f.readPos = 0
	f.writePos = 0
	f.peekPos = 0
}

func (f *Fifo) GetSpace() int {
	sizeLeft := f.readPos - f.writePos - 1
	if sizeLeft < 0 {
		sizeLeft += len(f.buffer)
	}
	return sizeLeft
}

func (f *Fifo) GetOccupied() int {
	sizeOccupied := f.writePos - f.readPos
	if sizeOccupied < 0 {
		sizeOccupied += len(f.buffer)
	}
	return sizeOccupied
}

// Write appends as many bytes from buffer as there is space for, and
// returns the number actually written.
func (f *Fifo) Write(buffer []byte) int {
	writeCounter := 0
	for _, element := range buffer {
		writePosNext := f.writePos + 1
		if writePosNext == f.readPos || (writePosNext == len(f.buffer) && f.readPos == 0) {
			break
		}
		f.buffer[f.writePos] = element
		writeCounter++
		if writePosNext == len(f.buffer) {
			f.writePos = 0
		} else {
			f.writePos++
		}
	}
	return writeCounter
}

// Read drains up to len(buffer) bytes from the front of the fifo.
func (f *Fifo) Read(buffer []byte) int {
	readCounter := 0
	if f.readPos == f.writePos {
		return 0
	}
	for index := range buffer {
		if f.readPos == f.writePos {
			break
		}
		buffer[index] = f.buffer[f.readPos]
		readCounter++
		f.readPos++
		if f.readPos == len(f.buffer) {
			f.readPos = 0
		}
	}
	return readCounter
}

// PeekBegin resets the peek cursor to the read cursor; subsequent Peek calls
// read ahead without consuming.
func (f *Fifo) PeekBegin() {
	f.peekPos = f.readPos
}

// Peek copies up to len(buffer) bytes starting at the current peek cursor,
// advancing it, without touching the read cursor. Returns bytes copied.
func (f *Fifo) Peek(buffer []byte) int {
	readCounter := 0
	for index := range buffer {
		if f.peekPos == f.writePos {
			break
		}
		buffer[index] = f.buffer[f.peekPos]
		readCounter++
		f.peekPos++
		if f.peekPos == len(f.buffer) {
			f.peekPos = 0
		}
	}
	return readCounter
}

// Commit advances the real read cursor to the peek cursor, consuming
// whatever was inspected via Peek.
func (f *Fifo) Commit() {
	f.readPos = f.peekPos
}

// PeekOccupied returns how many bytes are available ahead of the peek cursor.
func (f *Fifo) PeekOccupied() int {
	sizeOccupied := f.writePos - f.peekPos
	if sizeOccupied < 0 {
		sizeOccupied += len(f.buffer)
	}
	return sizeOccupied
}
