package dispatch

// Args bounds the number of worker processes a loop keeps.
type Args struct {
	MaxProc     int `json:"max_proc" mapstructure:"max_proc"`
	MaxIdleProc int `json:"max_idle" mapstructure:"max_idle"`
	MinIdleProc int `json:"min_idle" mapstructure:"min_idle"`
}

const (
	DefaultMaxProc     = 64
	DefaultMaxIdleProc = 5
	DefaultMinIdleProc = 1
)

func DefaultArgs() Args {
	return Args{MaxProc: DefaultMaxProc, MaxIdleProc: DefaultMaxIdleProc, MinIdleProc: DefaultMinIdleProc}
}

// Normalize makes the bounds consistent: at least one idle worker, a max idle
// no lower than the min, and a max proc that falls back to the max idle.
func (a Args) Normalize() Args {
	if a.MinIdleProc <= 0 {
		a.MinIdleProc = 1
	}
	if a.MaxIdleProc < a.MinIdleProc {
		a.MaxIdleProc = a.MinIdleProc
	}
	if a.MaxProc <= 0 {
		a.MaxProc = a.MaxIdleProc
	}
	return a
}
