// Package application contém os casos de uso (regras de aplicação) do rate limit.
//
// Ele depende apenas do pacote domain e não conhece net/http.
// Ex.: Service.Decide(ctx, cfg, id) retorna um Result (decisão + backend usado).
package application
