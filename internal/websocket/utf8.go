package websocket

import "unicode/utf8"

// utf8Validator checks text payloads as they arrive, across frame
// boundaries. Up to three bytes of an incomplete sequence are carried.
type utf8Validator struct {
	pending [utf8.UTFMax]byte
	n       int
}

// Write validates p. It returns false as soon as the input cannot be UTF-8.
func (v *utf8Validator) Write(p []byte) bool {
	for v.n > 0 && len(p) > 0 {
		v.pending[v.n] = p[0]
		v.n++
		p = p[1:]
		if utf8.FullRune(v.pending[:v.n]) {
			if !utf8.Valid(v.pending[:v.n]) {
				return false
			}
			v.n = 0
		}
	}
	if len(p) == 0 {
		return true
	}

	tail := len(p)
	for i := len(p) - 1; i >= 0 && i >= len(p)-(utf8.UTFMax-1); i-- {
		if utf8.RuneStart(p[i]) {
			if !utf8.FullRune(p[i:]) {
				tail = i
			}
			break
		}
	}
	if !utf8.Valid(p[:tail]) {
		return false
	}
	v.n = copy(v.pending[:], p[tail:])
	return true
}

// Complete reports whether no sequence is left unfinished.
func (v *utf8Validator) Complete() bool { return v.n == 0 }

// Reset clears carried state.
func (v *utf8Validator) Reset() { v.n = 0 }
