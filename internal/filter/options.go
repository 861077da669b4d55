package filter

// Options lists the choices the UI offers per filter. Every list starts with Any.
type Options struct {
	Semesters     []string    `json:"semesters"`
	Languages     []string    `json:"languages"`
	DegreeLevels  []string    `json:"degree_levels"`
	DeliveryModes []string    `json:"delivery_modes"`
	Cities        []string    `json:"cities"`
	Credits       CreditRange `json:"credits"`
}

func (e Engine) Options() Options {
	return Options{
		Semesters: []string{Any, "kevad", "sügis"},
		Languages: []string{Any, "eesti keel", "inglise keel"},
		DegreeLevels: []string{
			Any,
			"bakalaureuseõpe",
			"magistriõpe",
			"doktoriõpe",
			"integreeritud bakalaureuse- ja magistriõpe",
			"rakenduskõrgharidusõpe",
		},
		DeliveryModes: []string{Any, "põimõpe", "lähiõpe", "veebiõpe"},
		Cities:        []string{Any, "Tartu linn", "Narva linn", "Viljandi linn", "Pärnu linn"},
		Credits:       e.Bounds,
	}
}
