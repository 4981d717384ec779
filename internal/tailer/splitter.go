package tailer

import "bytes"

// Splitter reassembles newline-delimited records from arbitrary chunks.
// Records are returned verbatim without the '\n' ('\r' is kept).
type Splitter struct {
	buf bytes.Buffer
	max int
}

// NewSplitter returns a splitter that flushes an unterminated record once it
// reaches maxRecord bytes. maxRecord <= 0 means no limit.
func NewSplitter(maxRecord int) *Splitter {
	return &Splitter{max: maxRecord}
}

// Feed appends p and returns every record completed by it, in order.
// Records never exceed the limit: longer ones are split into max-sized
// pieces, the last piece ending at the newline.
func (s *Splitter) Feed(p []byte) []string {
	s.buf.Write(p)

	var records []string
	for {
		data := s.buf.Bytes()
		i := bytes.IndexByte(data, '\n')
		if s.max > 0 && (i > s.max || (i < 0 && len(data) >= s.max)) {
			records = append(records, string(s.buf.Next(s.max)))
			continue
		}
		if i < 0 {
			break
		}
		records = append(records, string(data[:i]))
		s.buf.Next(i + 1)
	}

	return records
}

// Pending returns the number of buffered bytes of the incomplete record.
func (s *Splitter) Pending() int {
	return s.buf.Len()
}

// Reset drops the incomplete record.
func (s *Splitter) Reset() {
	s.buf.Reset()
}
