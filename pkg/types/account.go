package types

import (
	"bytes"
	"encoding/json"
	"math"
	"strconv"
	"strings"
)

const (
	ServiceElectricity = "electricity"
	ServiceGas         = "gas"
)

// Customer is the account holder returned by customers/current.
type Customer struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email,omitempty"`
	Phone string `json:"phone,omitempty"`
}

// Address is a property's postal address.
type Address struct {
	Street   string `json:"street,omitempty"`
	Suburb   string `json:"suburb,omitempty"`
	State    string `json:"state,omitempty"`
	Postcode string `json:"postcode,omitempty"`
}

// Property is one account/premises with its metered services.
type Property struct {
	ID       string    `json:"id"`
	Name     string    `json:"name"`
	Address  Address   `json:"address"`
	Services []Service `json:"services"`
}

// Service is one metered connection (electricity or gas) at a property.
type Service struct {
	Type           string          `json:"type"`
	ConsumerNumber string          `json:"consumer_number"`
	Active         bool            `json:"active"`
	Metadata       ServiceMetadata `json:"metadata"`
}

// ServiceMetadata holds the account details the retailer attaches to a
// service. Everything is optional.
type ServiceMetadata struct {
	NMI              string  `json:"nmi,omitempty"`
	MeterType        string  `json:"meter_type,omitempty"`
	Solar            bool    `json:"solar"`
	EnergyPlan       string  `json:"energy_plan,omitempty"`
	Distributor      string  `json:"distributor,omitempty"`
	BalanceDollar    float64 `json:"balance"`
	ArrearsDollar    float64 `json:"arrears"`
	LastBillDate     string  `json:"last_bill_date,omitempty"`
	NextBillDate     string  `json:"next_bill_date,omitempty"`
	BillingFrequency string  `json:"billing_frequency,omitempty"`
	Jurisdiction     string  `json:"jurisdiction,omitempty"`
	ChargeClass      string  `json:"charge_class,omitempty"`
	Status           string  `json:"status,omitempty"`
}

// Service returns the first service of the given type.
func (p Property) Service(serviceType string) (Service, bool) {
	for _, s := range p.Services {
		if s.Type == serviceType {
			return s, true
		}
	}
	return Service{}, false
}

// RawObject is a decoded JSON object whose fields are read leniently. The
// upstream mixes snake_case and camelCase and sometimes sends ids as numbers,
// so the getters take several spellings and use the first one present.
type RawObject map[string]json.RawMessage

// Str returns the first key holding a string or number, as a string.
func (o RawObject) Str(keys ...string) string {
	for _, k := range keys {
		raw, ok := o[k]
		if !ok {
			continue
		}
		if s := flexString(raw); s != "" {
			return s
		}
	}
	return ""
}

// Num returns the first key holding a finite number or numeric string, and 0
// otherwise.
func (o RawObject) Num(keys ...string) float64 {
	for _, k := range keys {
		if raw, ok := o[k]; ok {
			if f, ok := FlexFloat(raw); ok {
				return f
			}
		}
	}
	return 0
}

// Child returns the object stored under key. The bool is false when the key
// is missing or holds anything but an object.
func (o RawObject) Child(key string) (RawObject, bool) {
	raw, ok := o[key]
	if !ok {
		return nil, false
	}
	var obj RawObject
	if err := json.Unmarshal(raw, &obj); err != nil || obj == nil {
		return nil, false
	}
	return obj, true
}

func (o RawObject) Boolean(def bool, keys ...string) bool {
	for _, k := range keys {
		raw, ok := o[k]
		if !ok {
			continue
		}
		var b bool
		if err := json.Unmarshal(raw, &b); err == nil {
			return b
		}
		switch strings.ToLower(flexString(raw)) {
		case "true", "yes", "y", "1":
			return true
		case "false", "no", "n", "0":
			return false
		}
	}
	return def
}

func isNull(raw json.RawMessage) bool {
	raw = bytes.TrimSpace(raw)
	return len(raw) == 0 || bytes.Equal(raw, []byte("null"))
}

func flexString(raw json.RawMessage) string {
	if isNull(raw) {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		return n.String()
	}
	return ""
}

// FlexFloat decodes a JSON number or a numeric string. The bool is false for
// anything else, including null and strings such as "NaN" or "Inf" that
// parse to a non-finite value.
func FlexFloat(raw json.RawMessage) (float64, bool) {
	if isNull(raw) {
		return 0, false
	}
	var f float64
	if err := json.Unmarshal(raw, &f); err == nil {
		return f, true
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if f, err := strconv.ParseFloat(strings.TrimSpace(s), 64); err == nil && !math.IsNaN(f) && !math.IsInf(f, 0) {
			return f, true
		}
	}
	return 0, false
}

// UnmarshalJSON implements json.Unmarshaler.
func (c *Customer) UnmarshalJSON(b []byte) error {
	var o RawObject
	if err := json.Unmarshal(b, &o); err != nil {
		return err
	}
	*c = Customer{
		ID:    o.Str("id", "customerId", "customer_id", "customerNumber"),
		Name:  o.Str("name", "fullName", "full_name"),
		Email: o.Str("email", "emailAddress"),
		Phone: o.Str("phone", "mobile", "phoneNumber"),
	}
	if c.Name == "" {
		first, last := o.Str("firstName", "first_name"), o.Str("lastName", "last_name")
		c.Name = strings.TrimSpace(first + " " + last)
	}
	return nil
}

// UnmarshalJSON implements json.Unmarshaler.
func (a *Address) UnmarshalJSON(b []byte) error {
	var o RawObject
	if err := json.Unmarshal(b, &o); err != nil {
		// some responses use a single display string
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*a = Address{Street: s}
		return nil
	}
	*a = Address{
		Street:   o.Str("street", "street_address", "streetAddress", "displayAddress"),
		Suburb:   o.Str("suburb", "city"),
		State:    o.Str("state"),
		Postcode: o.Str("postcode", "postCode"),
	}
	return nil
}

// UnmarshalJSON implements json.Unmarshaler.
func (p *Property) UnmarshalJSON(b []byte) error {
	var o RawObject
	if err := json.Unmarshal(b, &o); err != nil {
		return err
	}
	*p = Property{
		ID:   o.Str("id", "propertyNumber", "accountNumber", "account_id"),
		Name: o.Str("name", "propertyName"),
	}
	if raw, ok := o["address"]; ok && !isNull(raw) {
		// an unreadable address isn't worth dropping the property over
		_ = json.Unmarshal(raw, &p.Address)
	}
	if raw, ok := o["services"]; ok {
		var services []json.RawMessage
		if err := json.Unmarshal(raw, &services); err == nil {
			for _, sraw := range services {
				var s Service
				if err := json.Unmarshal(sraw, &s); err != nil {
					// a malformed service shouldn't hide the rest of the property
					continue
				}
				p.Services = append(p.Services, s)
			}
		}
	}
	if p.Name == "" {
		p.Name = p.Address.Street
	}
	return nil
}

// UnmarshalJSON implements json.Unmarshaler.
func (s *Service) UnmarshalJSON(b []byte) error {
	var o RawObject
	if err := json.Unmarshal(b, &o); err != nil {
		return err
	}
	*s = Service{
		Type:           strings.ToLower(o.Str("type", "serviceType", "service_type")),
		ConsumerNumber: o.Str("consumer_number", "consumerNumber"),
		Active:         o.Boolean(true, "active", "isActive"),
	}
	meta := o
	if raw, ok := o["metadata"]; ok {
		var nested RawObject
		if err := json.Unmarshal(raw, &nested); err == nil {
			meta = nested
		}
	}
	s.Metadata = ServiceMetadata{
		NMI:              meta.Str("nmi"),
		MeterType:        meta.Str("meter_type", "meterType"),
		Solar:            meta.Boolean(false, "solar"),
		EnergyPlan:       meta.Str("energy_plan", "productName"),
		Distributor:      meta.Str("distributor", "linesCompany"),
		BalanceDollar:    meta.Num("balance", "balanceDollar"),
		ArrearsDollar:    meta.Num("arrears", "arrearsDollar"),
		LastBillDate:     meta.Str("last_bill_date", "lastBillDate"),
		NextBillDate:     meta.Str("next_bill_date", "nextBillDate"),
		BillingFrequency: meta.Str("billing_frequency", "billingFrequency"),
		Jurisdiction:     meta.Str("jurisdiction"),
		ChargeClass:      meta.Str("charge_class", "chargeClass"),
		Status:           meta.Str("status"),
	}
	return nil
}
