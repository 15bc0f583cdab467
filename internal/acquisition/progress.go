package acquisition

import "io"

// progressReader wraps an io.Reader and reports progress via a callback every
// interval bytes and once when 5% of a known total was crossed.
type progressReader struct {
	reader     io.Reader
	total      int64
	onProgress func(written int64, total int64)
	totalRead  int64
	lastReport int64
	interval   int64
}

func newProgressReader(r io.Reader, total int64, interval int64, cb func(written int64, total int64)) *progressReader {
	return &progressReader{
		reader:     r,
		total:      total,
		onProgress: cb,
		interval:   interval,
	}
}

func (pr *progressReader) Read(p []byte) (int, error) {
	n, err := pr.reader.Read(p)
	if n > 0 {
		pr.totalRead += int64(n)
		pr.lastReport += int64(n)

		crossedFirstStep := pr.total > 0 &&
			pr.totalRead*100/pr.total >= 5 &&
			(pr.totalRead-int64(n))*100/pr.total < 5

		if pr.lastReport >= pr.interval || crossedFirstStep {
			pr.onProgress(pr.totalRead, pr.total)
			pr.lastReport = 0
		}
	}

	return n, err
}
