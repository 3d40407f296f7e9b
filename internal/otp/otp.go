// Package otp generates the numeric one-time passcodes e-mailed to
// users during sign-in.
package otp

import (
	"crypto/rand"
	"math/big"
)

const (
	// Codes are 6 digits and never start with a zero.
	codeMin  = 100000
	codeSpan = 900000
)

// Generator produces 6-digit passcodes. Values in the denylist are
// never returned; a denylisted draw is redrawn.
type Generator struct {
	denied map[string]struct{}
}

// New returns a Generator. The optional denylist reserves values
// (eg: fixed sentinel codes used by test environments) that the
// generator should never produce.
func New(denylist ...string) *Generator {
	g := &Generator{denied: make(map[string]struct{}, len(denylist))}
	for _, d := range denylist {
		g.denied[d] = struct{}{}
	}
	return g
}

// Generate returns a uniformly random 6-digit code in [100000, 999999],
// redrawing until the value is outside the denylist.
func (g *Generator) Generate() (string, error) {
	for {
		n, err := rand.Int(rand.Reader, big.NewInt(codeSpan))
		if err != nil {
			return "", err
		}

		code := n.Add(n, big.NewInt(codeMin)).String()
		if _, ok := g.denied[code]; ok {
			continue
		}
		return code, nil
	}
}
