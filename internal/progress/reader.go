package progress

import "io"

// Reader wraps an io.Reader and reports cumulative bytes via a callback as
// data flows through it.
type Reader struct {
	reader         io.Reader
	total          int64
	onProgress     func(written int64, total int64)
	totalRead      int64 // cumulative total
	lastReport     int64 // bytes since last report
	reportInterval int64 // bytes; <= 0 reports on every read
}

func NewReader(r io.Reader, total int64, interval int64, cb func(written int64, total int64)) *Reader {
	return &Reader{
		reader:         r,
		total:          total,
		onProgress:     cb,
		reportInterval: interval,
	}
}

func (pr *Reader) Read(p []byte) (int, error) {
	n, err := pr.reader.Read(p)
	if n > 0 {
		pr.totalRead += int64(n)
		pr.lastReport += int64(n)

		if pr.onProgress != nil && pr.lastReport >= pr.reportInterval {
			pr.onProgress(pr.totalRead, pr.total)
			pr.lastReport = 0
		}
	}

	if err == io.EOF && pr.onProgress != nil && pr.lastReport > 0 {
		// Final report so consumers always observe the complete count.
		pr.onProgress(pr.totalRead, pr.total)
		pr.lastReport = 0
	}

	return n, err
}

// BytesRead returns the cumulative number of bytes seen so far.
func (pr *Reader) BytesRead() int64 {
	return pr.totalRead
}
