//go:build !unix

package budget

func processMaxRSS() (float64, bool) { return 0, false }
