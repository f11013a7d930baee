package schemas

// -- Semantic Field Schemas --

// FieldKindsVersion is the semantic version of the FieldKind enumeration and the
// classifier rule table bound to it. Templates declare a constraint against it.
// Bump the minor version when kinds are added, the major version when kinds are
// renamed or removed.
const FieldKindsVersion = "1.0.0"

// FieldKind identifies an abstract data slot independent of any HTML element.
type FieldKind string

const (
	FieldUnknown FieldKind = ""

	// -- Identity --
	FieldFirstName    FieldKind = "firstName"
	FieldLastName     FieldKind = "lastName"
	FieldFullName     FieldKind = "fullName"
	FieldEmail        FieldKind = "email"
	FieldEmailConfirm FieldKind = "emailConfirm"
	FieldPhone        FieldKind = "phone"

	// -- Postal address --
	FieldAddressLine1 FieldKind = "addressLine1"
	FieldAddressLine2 FieldKind = "addressLine2"
	FieldCity         FieldKind = "city"
	FieldRegion       FieldKind = "region"
	FieldPostalCode   FieldKind = "postalCode"
	FieldCountry      FieldKind = "country"

	// -- Product --
	FieldProductName  FieldKind = "productName"
	FieldManufacturer FieldKind = "manufacturer"
	FieldModelNumber  FieldKind = "modelNumber"
	FieldSerialNumber FieldKind = "serialNumber"
	FieldSKU          FieldKind = "sku"
	FieldUPC          FieldKind = "upc"

	// -- Purchase --
	FieldPurchaseDate  FieldKind = "purchaseDate"
	FieldPurchasePrice FieldKind = "purchasePrice"
	FieldRetailer      FieldKind = "retailer"

	// -- Consent toggles --
	FieldTermsConsent   FieldKind = "termsConsent"
	FieldMarketingOptIn FieldKind = "marketingOptIn"
)

// AllFieldKinds lists every known kind in a stable order.
var AllFieldKinds = []FieldKind{
	FieldFirstName, FieldLastName, FieldFullName, FieldEmail, FieldEmailConfirm, FieldPhone,
	FieldAddressLine1, FieldAddressLine2, FieldCity, FieldRegion, FieldPostalCode, FieldCountry,
	FieldProductName, FieldManufacturer, FieldModelNumber, FieldSerialNumber, FieldSKU, FieldUPC,
	FieldPurchaseDate, FieldPurchasePrice, FieldRetailer,
	FieldTermsConsent, FieldMarketingOptIn,
}

var knownKinds = func() map[FieldKind]struct{} {
	m := make(map[FieldKind]struct{}, len(AllFieldKinds))
	for _, k := range AllFieldKinds {
		m[k] = struct{}{}
	}
	return m
}()

var requiredKinds = map[FieldKind]struct{}{
	FieldFirstName:    {},
	FieldLastName:     {},
	FieldFullName:     {},
	FieldEmail:        {},
	FieldSerialNumber: {},
	FieldModelNumber:  {},
}

// Valid reports whether k is a member of the enumeration.
func (k FieldKind) Valid() bool {
	_, ok := knownKinds[k]
	return ok
}

// CoreRequired reports whether a registration is meaningless without this kind.
// A form exposing none of these is not a warranty-registration form we can fill.
func (k FieldKind) CoreRequired() bool {
	_, ok := requiredKinds[k]
	return ok
}

// Toggle reports whether the kind is expressed by a checkbox rather than a value.
func (k FieldKind) Toggle() bool {
	return k == FieldTermsConsent || k == FieldMarketingOptIn
}

// FillStrategy describes how a value is put into an element.
type FillStrategy string

const (
	FillText     FillStrategy = "text"
	FillSelect   FillStrategy = "select"
	FillDate     FillStrategy = "date"
	FillCheckbox FillStrategy = "checkbox"
)
