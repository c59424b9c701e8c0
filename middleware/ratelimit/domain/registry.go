package domain

import (
	"sort"
	"time"
)

// Presets por categoria de endpoint. Mais rígido para autenticação e ações
// propensas a spam, mais folgado para ferramentas de admin.
var (
	Auth    = Config{Name: "auth", Window: 15 * time.Minute, MaxRequests: 5}
	API     = Config{Name: "api", Window: time.Minute, MaxRequests: 100}
	Review  = Config{Name: "review", Window: time.Hour, MaxRequests: 5}
	Upload  = Config{Name: "upload", Window: time.Hour, MaxRequests: 10}
	Support = Config{Name: "support", Window: time.Hour, MaxRequests: 5}
	Task    = Config{Name: "task", Window: time.Minute, MaxRequests: 10}
	Offer   = Config{Name: "offer", Window: time.Minute, MaxRequests: 20}
	Message = Config{Name: "message", Window: time.Minute, MaxRequests: 30}
	Admin   = Config{Name: "admin", Window: time.Minute, MaxRequests: 200}
)

// Presets devolve uma cópia da tabela nome -> config.
func Presets() map[string]Config {
	out := make(map[string]Config, 9)
	for _, c := range []Config{Auth, API, Review, Upload, Support, Task, Offer, Message, Admin} {
		out[c.Name] = c
	}
	return out
}

func Lookup(name string) (Config, bool) {
	c, ok := Presets()[name]
	return c, ok
}

// Names devolve os nomes das categorias em ordem alfabética.
func Names() []string {
	p := Presets()
	names := make([]string, 0, len(p))
	for n := range p {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
