package id

import (
	gonanoid "github.com/matoous/go-nanoid/v2"
)

type Generator struct{}

func New() *Generator {
	return &Generator{}
}

func (g *Generator) generate(prefix string) string {
	id, err := gonanoid.New(21)
	if err != nil {
		return prefix + "_fallback"
	}
	return prefix + "_" + id
}

func (g *Generator) ConnectionID() string {
	return g.generate("lc")
}

func (g *Generator) MessageID() string {
	return g.generate("lm")
}

func (g *Generator) Nonce() string {
	n, err := gonanoid.New(12)
	if err != nil {
		return "nonce_fallback"
	}
	return n
}
