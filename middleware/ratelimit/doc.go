// Package ratelimit fornece o adapter HTTP (net/http) do rate limit por
// categoria de endpoint (auth, api, review, upload, ...).
//
// Visão geral (camadas):
//
//   - domain: contratos e tipos do domínio (sem dependência de net/http)
//   - application: decisão allow/deny, escolha entre primário e fallback
//   - infra: janela deslizante no Redis, janela fixa em memória, cliente Redis, sweeper
//   - ratelimit (este pacote): resolução do identificador, resposta 429, headers de cota
//
// Fluxo numa rota:
//
//  1. Resolve o identificador (usuário autenticado ou IP dos headers)
//  2. Chama a camada application para obter a decisão
//  3. Se bloqueado, devolve a Rejection (429 + JSON + headers)
//  4. Se permitido, segue; EnrichSuccess pode anotar a resposta com a cota restante
//
// Se o Redis estiver fora, a checagem cai no store local sem que a rota
// perceba. Os números podem divergir um pouco entre os dois modos: o
// primário é janela deslizante, o fallback é janela fixa.
package ratelimit
