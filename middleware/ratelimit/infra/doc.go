// Package infra contém implementações concretas (infraestrutura) para os contratos
// definidos no pacote domain.
//
// Exemplos:
//   - RedisStore: janela deslizante compartilhada (sorted set no Redis)
//   - Store: janela fixa em memória, usada como fallback
//   - Client: ciclo de vida da conexão Redis e probe de disponibilidade
//   - Sweeper: limpeza periódica do Store com Start/Stop
package infra
