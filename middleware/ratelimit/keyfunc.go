package ratelimit

import (
	"strings"

	"marketplace-gateway/middleware/ratelimit/domain"
)

const unknownIdentifier = "unknown"

// ResolveIdentifier devolve a chave estável de quem chama.
//
// Identidade autenticada sempre ganha do endereço de rede. Sem ela, olha
// X-Forwarded-For (primeiro IP), X-Real-IP e CF-Connecting-IP, nessa ordem.
// Nada é validado: valores malformados passam como vieram.
func ResolveIdentifier(h domain.Headers, authID string) string {
	if authID != "" {
		return authID
	}
	if h == nil {
		return unknownIdentifier
	}

	// pega o primeiro IP do X-Forwarded-For (cliente original)
	if xff := h.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		return strings.TrimSpace(first)
	}
	if v := h.Get("X-Real-IP"); v != "" {
		return v
	}
	if v := h.Get("CF-Connecting-IP"); v != "" {
		return v
	}
	return unknownIdentifier
}

// DefaultIdentifier é a estratégia usada quando a config não traz uma.
var DefaultIdentifier domain.IdentifierStrategy = domain.IdentifierFunc(ResolveIdentifier)

// HeaderIdentifier usa o valor de um header (ex: X-Api-Key) como chave.
// Identidade autenticada continua tendo prioridade; sem o header, cai no
// resolvedor padrão.
func HeaderIdentifier(name string) domain.IdentifierStrategy {
	return domain.IdentifierFunc(func(h domain.Headers, authID string) string {
		if authID != "" {
			return authID
		}
		if h != nil {
			if v := strings.TrimSpace(h.Get(name)); v != "" {
				return "key:" + v
			}
		}
		return ResolveIdentifier(h, "")
	})
}
