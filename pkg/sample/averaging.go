package sample

// Stage transforms a stream of readings. The output channel is closed after
// the input channel closes and every reading has been forwarded.
type Stage func(in <-chan Reading) <-chan Reading

// NewAveragingStage averages each block of windowSize consecutive readings
// into one. The averaged reading keeps the clock and timestamp of the last
// reading in its block. A partial block is flushed when the input closes.
// Readings are never dropped or reordered.
func NewAveragingStage(windowSize int, bufSize int) Stage {
	if windowSize <= 0 {
		windowSize = 1
	}
	if bufSize <= 0 {
		bufSize = 100
	}

	return func(in <-chan Reading) <-chan Reading {
		out := make(chan Reading, bufSize)

		go func() {
			defer close(out)

			block := make([]Reading, 0, windowSize)
			for r := range in {
				block = append(block, r)
				if len(block) == windowSize {
					out <- Average(block)
					block = block[:0]
				}
			}
			if len(block) > 0 {
				out <- Average(block)
			}
		}()

		return out
	}
}

// Average returns the element-wise mean of readings, stamped with the last
// reading's timestamp.
func Average(readings []Reading) Reading {
	if len(readings) == 0 {
		return Reading{}
	}

	last := readings[len(readings)-1]
	if len(readings) == 1 {
		return last
	}

	var sum Values
	for _, r := range readings {
		for i, v := range r.Values {
			sum[i] += v
		}
	}

	n := float64(len(readings))
	avg := last
	for i := range sum {
		avg.Values[i] = sum[i] / n
	}
	return avg
}
