package workflow

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Property is the loose listing shape returned by the search agent.
// Both the `properties` and `results` payload styles decode into it.
type Property struct {
	Title        string `json:"title"`
	Name         string `json:"name"`
	Description  string `json:"description"`
	Price        Price  `json:"price"`
	Bedrooms     int    `json:"bedrooms"`
	Bathrooms    int    `json:"bathrooms"`
	Location     string `json:"location"`
	Neighborhood string `json:"neighborhood"`
	City         string `json:"city"`
	URL          string `json:"url"`
}

// Price tolerates both the numeric and the pre-formatted string values
// agents send, e.g. 450000, "450000", "R$ 450.000" or "R$ 1.850,50".
type Price float64

func (p *Price) UnmarshalJSON(data []byte) error {
	var n json.Number
	if err := json.Unmarshal(data, &n); err == nil {
		f, err := n.Float64()
		if err != nil {
			return err
		}
		*p = Price(f)
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	*p = Price(parsePriceText(s))
	return nil
}

// parsePriceText strips the currency prefix and Brazilian separators:
// dots group thousands, a comma marks cents. Unparseable text reads as
// zero so one bad listing never sinks the whole reply.
func parsePriceText(s string) float64 {
	s = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(s), "R$"))
	s = strings.ReplaceAll(s, ".", "")
	s = strings.ReplaceAll(s, " ", "")
	s = strings.ReplaceAll(s, ",", ".")
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return f
}

func (p Property) displayName() string {
	if p.Title != "" {
		return p.Title
	}
	if p.Name != "" {
		return p.Name
	}
	if p.Description != "" {
		return p.Description
	}
	return "Imóvel sem descrição"
}

func decodeProperties(raw []json.RawMessage) []Property {
	props := make([]Property, 0, len(raw))
	for _, r := range raw {
		var p Property
		if err := json.Unmarshal(r, &p); err != nil {
			continue
		}
		props = append(props, p)
	}
	return props
}

const noListingsReply = "Não encontrei imóveis com esses critérios no momento. Quer tentar com outro bairro, faixa de preço ou número de quartos?"

// FormatListings renders the top five listings as a numbered WhatsApp
// reply ending with a follow-up question.
func FormatListings(props []Property) string {
	if len(props) == 0 {
		return noListingsReply
	}
	if len(props) > 5 {
		props = props[:5]
	}

	var sb strings.Builder
	sb.WriteString("Encontrei estas opções para você:\n\n")
	for i, p := range props {
		sb.WriteString(fmt.Sprintf("%d. %s", i+1, p.displayName()))
		if loc := location(p); loc != "" {
			sb.WriteString(" - " + loc)
		}
		if p.Price > 0 {
			sb.WriteString(" - " + FormatPrice(float64(p.Price)))
		}
		if p.Bedrooms > 0 {
			sb.WriteString(fmt.Sprintf(" - %d quartos", p.Bedrooms))
		}
		if p.Bathrooms > 0 {
			sb.WriteString(fmt.Sprintf(" - %d banheiros", p.Bathrooms))
		}
		if p.URL != "" {
			sb.WriteString("\n   " + p.URL)
		}
		sb.WriteString("\n")
	}
	sb.WriteString("\nQuer mais detalhes de alguma dessas opções?")
	return sb.String()
}

func location(p Property) string {
	switch {
	case p.Location != "":
		return p.Location
	case p.Neighborhood != "" && p.City != "":
		return p.Neighborhood + ", " + p.City
	case p.Neighborhood != "":
		return p.Neighborhood
	default:
		return p.City
	}
}

// FormatPrice renders a value in Brazilian currency style with dots as
// thousands separators, e.g. 450000 -> "R$ 450.000".
func FormatPrice(value float64) string {
	whole := int64(value)
	digits := fmt.Sprintf("%d", whole)
	var sb strings.Builder
	for i, d := range digits {
		if i > 0 && (len(digits)-i)%3 == 0 {
			sb.WriteByte('.')
		}
		sb.WriteRune(d)
	}
	cents := int64((value - float64(whole)) * 100)
	if cents > 0 {
		return fmt.Sprintf("R$ %s,%02d", sb.String(), cents)
	}
	return "R$ " + sb.String()
}
