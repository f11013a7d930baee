// internal/classifier/rules.go
package classifier

import (
	"regexp"

	"github.com/xkilldash9x/autoreg/api/schemas"
)

// rule binds one semantic kind to the patterns that recognize it. Patterns run
// against normalized attribute text (lowercase, separators collapsed to single spaces).
type rule struct {
	kind schemas.FieldKind
	// toggle rules only match checkboxes and radios; value rules never do.
	toggle bool
	// autocomplete lists exact HTML autocomplete tokens for the kind.
	autocomplete []string
	patterns     []*regexp.Regexp
}

func rx(exprs ...string) []*regexp.Regexp {
	out := make([]*regexp.Regexp, len(exprs))
	for i, e := range exprs {
		out[i] = regexp.MustCompile(e)
	}
	return out
}

// ruleTable is ordered: within a tier the first matching rule wins, so specific
// rules come before the generic ones they would otherwise lose to (emailConfirm
// before email, addressLine2 before addressLine1, marketing opt-in before terms
// since "I agree to receive marketing" is not a terms checkbox).
var ruleTable = []rule{
	{
		kind:     schemas.FieldEmailConfirm,
		patterns: rx(`(confirm|verify|repeat|retype|re ?enter)\s?(your )?e ?mail`, `e ?mail\s?(confirm|confirmation|verify|again|2)\b`),
	},
	{
		kind:         schemas.FieldEmail,
		autocomplete: []string{"email"},
		patterns:     rx(`\be ?mail\b`, `\bemail`, `courriel`, `e ?mail ?address`),
	},
	{
		kind:         schemas.FieldFirstName,
		autocomplete: []string{"given-name"},
		patterns:     rx(`first ?name`, `given ?name`, `\bfname\b`, `forename`, `vorname`, `pr[eé]nom`, `^first$`, `name first`),
	},
	{
		kind:         schemas.FieldLastName,
		autocomplete: []string{"family-name"},
		patterns:     rx(`last ?name`, `sur ?name`, `family ?name`, `\blname\b`, `nachname`, `^last$`, `name last`),
	},
	{
		kind:         schemas.FieldProductName,
		patterns:     rx(`product ?name`, `^product$`, `item ?name`, `product description`),
	},
	{
		kind:         schemas.FieldFullName,
		autocomplete: []string{"name"},
		patterns:     rx(`full ?name`, `^name$`, `^your name$`, `customer ?name`, `contact ?name`, `owner ?name`, `^(first and last|first last) ?name`),
	},
	{
		kind:         schemas.FieldPhone,
		autocomplete: []string{"tel", "tel-national"},
		patterns:     rx(`phone`, `\btel\b`, `telephone`, `mobile`, `\bcell\b`),
	},
	{
		kind:         schemas.FieldAddressLine2,
		autocomplete: []string{"address-line2"},
		patterns:     rx(`address ?(line)? ?2`, `\baddr ?2\b`, `\bapt\b`, `apartment`, `suite`, `\bunit\b`),
	},
	{
		kind:         schemas.FieldAddressLine1,
		autocomplete: []string{"address-line1", "street-address"},
		patterns:     rx(`address ?(line)? ?1`, `\baddr ?1\b`, `street`, `^address$`, `\baddress\b`, `mailing address`),
	},
	{
		kind:         schemas.FieldCity,
		autocomplete: []string{"address-level2"},
		patterns:     rx(`\bcity\b`, `\btown\b`, `locality`, `suburb`),
	},
	{
		kind:         schemas.FieldRegion,
		autocomplete: []string{"address-level1"},
		patterns:     rx(`\bstate\b`, `province`, `\bregion\b`, `\bcounty\b`),
	},
	{
		kind:         schemas.FieldPostalCode,
		autocomplete: []string{"postal-code"},
		patterns:     rx(`\bzip`, `postal`, `post ?code`, `postcode`, `\bplz\b`),
	},
	{
		kind:         schemas.FieldCountry,
		autocomplete: []string{"country", "country-name"},
		patterns:     rx(`country`, `\bnation\b`),
	},
	{
		kind:         schemas.FieldSerialNumber,
		patterns:     rx(`serial`, `^s ?n$`, `\bsn\b`, `\bs n\b`, `serial ?(number|no|num)`),
	},
	{
		kind:         schemas.FieldModelNumber,
		patterns:     rx(`model ?(number|no|num|#)`, `^model$`, `\bmodel\b`, `model ?id`),
	},
	{
		kind:         schemas.FieldSKU,
		patterns:     rx(`\bsku\b`, `part ?(number|no|num)`, `article ?number`),
	},
	{
		kind:         schemas.FieldUPC,
		patterns:     rx(`\bupc\b`, `\bean\b`, `\bgtin\b`, `barcode`),
	},
	{
		kind:         schemas.FieldManufacturer,
		patterns:     rx(`manufacturer`, `\bbrand\b`, `^make$`),
	},
	{
		kind:         schemas.FieldPurchaseDate,
		patterns:     rx(`purchase ?date`, `date ?(of )?purchase`, `date purchased`, `purchased ?on`, `bought ?on`, `\bdop\b`, `install(ation)? date`),
	},
	{
		kind:         schemas.FieldPurchasePrice,
		patterns:     rx(`purchase ?price`, `\bprice\b`, `amount paid`, `\bcost\b`),
	},
	{
		kind:         schemas.FieldRetailer,
		patterns:     rx(`retailer`, `\bdealer\b`, `where (did you )?(purchase|buy)`, `place of purchase`, `purchased from`, `\bstore\b`, `\bvendor\b`, `\bseller\b`),
	},
	{
		kind:     schemas.FieldMarketingOptIn,
		toggle:   true,
		patterns: rx(`newsletter`, `marketing`, `opt ?in`, `subscribe`, `promotion`, `\boffers\b`, `updates`),
	},
	{
		kind:     schemas.FieldTermsConsent,
		toggle:   true,
		patterns: rx(`terms`, `\bagree`, `\baccept`, `privacy`, `consent`, `\btos\b`, `conditions`),
	},
}

// typeRules are the last-resort heuristics keyed by the input's type attribute.
var typeRules = map[string]schemas.FieldKind{
	"email": schemas.FieldEmail,
	"tel":   schemas.FieldPhone,
	"date":  schemas.FieldPurchaseDate,
}

// Kinds returns the kinds the rule table can recognize, in table order.
func Kinds() []schemas.FieldKind {
	out := make([]schemas.FieldKind, 0, len(ruleTable))
	for _, r := range ruleTable {
		out = append(out, r.kind)
	}
	return out
}
