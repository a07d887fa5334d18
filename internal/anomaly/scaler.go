package anomaly

import "math"

// scaler standardizes feature vectors to zero mean and unit variance using
// the statistics of the window the current model was trained on.
type scaler struct {
	means []float64
	stds  []float64
}

func fitScaler(data [][]float64) *scaler {
	dim := len(data[0])
	s := &scaler{
		means: make([]float64, dim),
		stds:  make([]float64, dim),
	}
	n := float64(len(data))
	for _, row := range data {
		for i, v := range row {
			s.means[i] += v
		}
	}
	for i := range s.means {
		s.means[i] /= n
	}
	for _, row := range data {
		for i, v := range row {
			d := v - s.means[i]
			s.stds[i] += d * d
		}
	}
	for i := range s.stds {
		s.stds[i] = math.Sqrt(s.stds[i] / n)
		if s.stds[i] == 0 {
			s.stds[i] = 1
		}
	}
	return s
}

func (s *scaler) transform(vec []float64) []float64 {
	out := make([]float64, len(vec))
	for i, v := range vec {
		out[i] = (v - s.means[i]) / s.stds[i]
	}
	return out
}

func (s *scaler) transformAll(data [][]float64) [][]float64 {
	out := make([][]float64, len(data))
	for i, row := range data {
		out[i] = s.transform(row)
	}
	return out
}
