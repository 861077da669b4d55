package grounding

import (
	"fmt"
	"strings"
)

// BuildInstruction composes the leading directive sent before the
// conversation history. These rules are the only thing that keeps the model
// to the allow-list; evaluation.Auditor flags off-list mentions afterwards.
func BuildInstruction(detail string, names []string, activeFilters string) string {
	allow := make([]string, len(names))
	for i, name := range names {
		allow[i] = "- " + name
	}

	var b strings.Builder
	b.WriteString("Oled Tartu Ülikooli kursuste nõustaja. Sinu ülesanne on soovitada kasutajale kursuseid.\n\n")
	fmt.Fprintf(&b, "Rakendatud filtrid: %s\n\n", activeFilters)
	fmt.Fprintf(&b, "LUBATUD KURSUSED – sa tohid mainida AINULT neid %d kursust:\n", len(names))
	b.WriteString(strings.Join(allow, "\n"))
	b.WriteString("\n\n")
	b.WriteString("TÄIELIKUD ANDMED NENDE KURSUSTE KOHTA:\n")
	b.WriteString(detail)
	b.WriteString("\n\n")
	b.WriteString("REEGLID:\n")
	fmt.Fprintf(&b, "1. Soovita kasutajale maksimaalselt %d kõige sobivamat kursust ülaltoodud nimekirjast.\n", MaxRecommendations)
	b.WriteString("2. Kui ükski kursus ei sobi kasutaja päringuga hästi, ütle ausalt, et sobivaid kursuseid ei leidu " +
		"ja soovita muuta filtreid või otsingulauset.\n")
	b.WriteString("3. Maini AINULT ülalloetletud kursuseid. Ära leiuta ega lisa omalt poolt kursuseid.\n")
	b.WriteString("4. Kasuta kursuse TÄPSET nime.\n")
	b.WriteString("5. Esita iga soovitatud kursuse kohta: nimi, EAP, semester, keel, õppeviis ja lühike kirjeldus.\n")
	b.WriteString("6. Kui kasutaja küsib jätkuküsimusi leitud kursuste kohta, vasta andmete põhjal.\n")
	b.WriteString("7. Vasta eesti keeles.")
	return b.String()
}
