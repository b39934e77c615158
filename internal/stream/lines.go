package stream

import "strings"

// LineSplitter reassembles arbitrarily-sized body chunks into complete
// newline-terminated records. A partial trailing line is carried across
// chunk boundaries and only surfaces via Flush, so no record is ever split
// or dropped regardless of how the network fragmented the stream.
type LineSplitter struct {
	tail strings.Builder
}

// Split appends chunk to any carried tail and returns every complete record
// it now holds, in order. A record boundary is a single '\n'; a trailing
// '\r' before it is stripped. Empty records are returned as empty strings
// so the caller can classify them.
func (s *LineSplitter) Split(chunk string) []string {
	if chunk == "" {
		return nil
	}
	buf := chunk
	if s.tail.Len() > 0 {
		s.tail.WriteString(chunk)
		buf = s.tail.String()
		s.tail.Reset()
	}

	var records []string
	for {
		idx := strings.IndexByte(buf, '\n')
		if idx == -1 {
			break
		}
		records = append(records, strings.TrimSuffix(buf[:idx], "\r"))
		buf = buf[idx+1:]
	}
	if buf != "" {
		s.tail.WriteString(buf)
	}
	return records
}

// Flush returns the unterminated remainder, if any, and resets the splitter.
// Called once the underlying stream has ended.
func (s *LineSplitter) Flush() (string, bool) {
	if s.tail.Len() == 0 {
		return "", false
	}
	rest := strings.TrimSuffix(s.tail.String(), "\r")
	s.tail.Reset()
	return rest, true
}
