package rpc

// Domain is an ERP search domain in Polish notation: explicit "|" and "!"
// operators precede their operands, adjacent expressions are implicitly
// AND-ed. The builder tracks how many top-level expressions it holds so Or
// can make the implicit conjunctions explicit and bind the whole receiver:
// Where(a).And(b).Or(c) means (a AND b) OR c.
type Domain struct {
	terms []any
	exprs int
}

// Where starts a domain with a single condition.
func Where(field, op string, value any) Domain {
	return Domain{terms: []any{[]any{field, op, value}}, exprs: 1}
}

// EmptyDomain matches everything.
func EmptyDomain() Domain { return Domain{} }

// And appends a condition; adjacency is implicit conjunction.
func (d Domain) And(field, op string, value any) Domain {
	d.terms = append(d.terms, []any{field, op, value})
	d.exprs++
	return d
}

// Or combines everything built so far with a condition. The receiver's
// implicit conjunctions become explicit "&" prefixes so the "|" operand is
// the whole left side, not just its first expression.
func (d Domain) Or(field, op string, value any) Domain {
	cond := []any{field, op, value}
	if d.exprs == 0 {
		return Domain{terms: []any{cond}, exprs: 1}
	}
	terms := make([]any, 0, len(d.terms)+d.exprs+1)
	terms = append(terms, "|")
	for i := 1; i < d.exprs; i++ {
		terms = append(terms, "&")
	}
	terms = append(terms, d.terms...)
	terms = append(terms, cond)
	return Domain{terms: terms, exprs: 1}
}

// Not negates a condition and appends it.
func (d Domain) Not(field, op string, value any) Domain {
	d.terms = append(d.terms, "!", []any{field, op, value})
	d.exprs++
	return d
}

// Encode renders the wire form.
func (d Domain) Encode() []any {
	if d.terms == nil {
		return []any{}
	}
	return d.terms
}
