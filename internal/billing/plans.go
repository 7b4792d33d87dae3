package billing

import (
	"os"
	"strings"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

var ErrUnknownPlan = errors.New("billing: unknown plan")

// Plan is a subscription option. Price is in whole currency units.
type Plan struct {
	Code  string `yaml:"code" json:"code"`
	Title string `yaml:"title" json:"title"`
	Hours int    `yaml:"hours" json:"hours"`
	Price int    `yaml:"price" json:"price"`
}

func (p Plan) Days() int { return p.Hours / 24 }

type Catalog struct {
	plans  []Plan
	byCode map[string]Plan
}

func DefaultCatalog() *Catalog {
	c, _ := NewCatalog([]Plan{
		{Code: "day", Title: "1 day", Hours: 24, Price: 99},
		{Code: "month", Title: "1 month", Hours: 720, Price: 390},
		{Code: "6month", Title: "6 months", Hours: 4320, Price: 690},
		{Code: "year", Title: "1 year", Hours: 8760, Price: 990},
	})
	return c
}

func NewCatalog(plans []Plan) (*Catalog, error) {
	if len(plans) == 0 {
		return nil, errors.New("plan catalog is empty")
	}
	c := &Catalog{byCode: make(map[string]Plan, len(plans))}
	for _, p := range plans {
		p.Code = strings.ToLower(strings.TrimSpace(p.Code))
		if p.Code == "" {
			return nil, errors.New("plan code is required")
		}
		if p.Hours <= 0 || p.Price <= 0 {
			return nil, errors.Errorf("plan %q: hours and price must be positive", p.Code)
		}
		if _, dup := c.byCode[p.Code]; dup {
			return nil, errors.Errorf("plan %q defined twice", p.Code)
		}
		if p.Title == "" {
			p.Title = p.Code
		}
		c.byCode[p.Code] = p
		c.plans = append(c.plans, p)
	}
	return c, nil
}

type plansFile struct {
	Plans []Plan `yaml:"plans"`
}

// LoadPlans reads a YAML catalog of the form
//
//	plans:
//	  - code: day
//	    title: 1 day
//	    hours: 24
//	    price: 99
func LoadPlans(path string) (*Catalog, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "read plans file")
	}
	var f plansFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, errors.Wrap(err, "parse plans file")
	}
	return NewCatalog(f.Plans)
}

func (c *Catalog) Lookup(code string) (Plan, error) {
	p, ok := c.byCode[strings.ToLower(strings.TrimSpace(code))]
	if !ok {
		return Plan{}, ErrUnknownPlan
	}
	return p, nil
}

// Plans returns the catalog in declaration order.
func (c *Catalog) Plans() []Plan {
	return append([]Plan(nil), c.plans...)
}
