// Package domain define contratos e tipos de domínio para o rate limit:
// políticas por categoria, decisões, chaves compostas e as interfaces dos
// contadores (janela deslizante compartilhada e janela fixa local).
//
// Este pacote não depende de net/http nem de implementações concretas.
// A intenção é permitir testes de unidade puros e desacoplar regras de negócio
// de detalhes de infraestrutura.
package domain
