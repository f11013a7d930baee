package schemas

import (
	"strconv"
	"strings"
	"time"
)

// -- Registration Input --

// PostalAddress is the user's mailing address.
type PostalAddress struct {
	Line1      string `json:"line1" yaml:"line1"`
	Line2      string `json:"line2,omitempty" yaml:"line2,omitempty"`
	City       string `json:"city" yaml:"city"`
	Region     string `json:"region" yaml:"region"`
	PostalCode string `json:"postal_code" yaml:"postal_code"`
	Country    string `json:"country" yaml:"country"`
}

// ProductInfo identifies the registered product.
type ProductInfo struct {
	Name         string `json:"name" yaml:"name"`
	Manufacturer string `json:"manufacturer" yaml:"manufacturer"`
	ModelNumber  string `json:"model_number" yaml:"model_number"`
	SerialNumber string `json:"serial_number" yaml:"serial_number"`
	SKU          string `json:"sku,omitempty" yaml:"sku,omitempty"`
	UPC          string `json:"upc,omitempty" yaml:"upc,omitempty"`
}

// PurchaseInfo holds the purchase facts printed on the receipt.
type PurchaseInfo struct {
	Date     time.Time `json:"date" yaml:"date"`
	Price    float64   `json:"price,omitempty" yaml:"price,omitempty"`
	Currency string    `json:"currency,omitempty" yaml:"currency,omitempty"`
	Retailer string    `json:"retailer,omitempty" yaml:"retailer,omitempty"`
}

// ConsentFlags records what the user agreed to. Toggles are only ever checked,
// never unchecked, and only when the flag is set.
type ConsentFlags struct {
	AcceptTerms    bool `json:"accept_terms" yaml:"accept_terms"`
	MarketingOptIn bool `json:"marketing_opt_in" yaml:"marketing_opt_in"`
}

// RegistrationData is the canonical input record for one automation run.
// It is passed by value and never mutated by the engine.
type RegistrationData struct {
	FirstName string        `json:"first_name" yaml:"first_name"`
	LastName  string        `json:"last_name" yaml:"last_name"`
	Email     string        `json:"email" yaml:"email"`
	Phone     string        `json:"phone,omitempty" yaml:"phone,omitempty"`
	Address   PostalAddress `json:"address" yaml:"address"`
	Product   ProductInfo   `json:"product" yaml:"product"`
	Purchase  PurchaseInfo  `json:"purchase" yaml:"purchase"`
	Consent   ConsentFlags  `json:"consent" yaml:"consent"`
}

// FullName joins the first and last name.
func (d RegistrationData) FullName() string {
	return strings.TrimSpace(strings.TrimSpace(d.FirstName) + " " + strings.TrimSpace(d.LastName))
}

// Value renders the canonical string for a semantic field. The second return is
// false when the record carries no data for it. Dates use ISO-8601 (2006-01-02);
// the executor reformats them when the target input expects something else.
func (d RegistrationData) Value(kind FieldKind) (string, bool) {
	var v string
	switch kind {
	case FieldFirstName:
		v = d.FirstName
	case FieldLastName:
		v = d.LastName
	case FieldFullName:
		v = d.FullName()
	case FieldEmail, FieldEmailConfirm:
		v = d.Email
	case FieldPhone:
		v = d.Phone
	case FieldAddressLine1:
		v = d.Address.Line1
	case FieldAddressLine2:
		v = d.Address.Line2
	case FieldCity:
		v = d.Address.City
	case FieldRegion:
		v = d.Address.Region
	case FieldPostalCode:
		v = d.Address.PostalCode
	case FieldCountry:
		v = d.Address.Country
	case FieldProductName:
		v = d.Product.Name
	case FieldManufacturer:
		v = d.Product.Manufacturer
	case FieldModelNumber:
		v = d.Product.ModelNumber
	case FieldSerialNumber:
		v = d.Product.SerialNumber
	case FieldSKU:
		v = d.Product.SKU
	case FieldUPC:
		v = d.Product.UPC
	case FieldPurchaseDate:
		if !d.Purchase.Date.IsZero() {
			v = d.Purchase.Date.Format("2006-01-02")
		}
	case FieldPurchasePrice:
		if d.Purchase.Price > 0 {
			v = strconv.FormatFloat(d.Purchase.Price, 'f', 2, 64)
		}
	case FieldRetailer:
		v = d.Purchase.Retailer
	case FieldTermsConsent:
		if d.Consent.AcceptTerms {
			v = "true"
		}
	case FieldMarketingOptIn:
		if d.Consent.MarketingOptIn {
			v = "true"
		}
	}
	v = strings.TrimSpace(v)
	return v, v != ""
}
