package normalizer

// extractor pulls one nested object out of a payload, or returns nil.
type extractor func(object) object

// baseExtractors lists the nesting conventions used by the channel adapters, in priority order.
var baseExtractors = []extractor{
	func(p object) object { return p },
	field("message"),
	firstOf("messages"),
	field("data"),
	field("value"),
	envelopeValue,
}

// expansions are applied to every base candidate.
var expansions = []extractor{
	field("message"),
	firstOf("messages"),
}

func field(key string) extractor {
	return func(o object) object {
		v, _ := o[key].(object)
		return v
	}
}

func firstOf(key string) extractor {
	return func(o object) object {
		arr, _ := o[key].([]interface{})
		if len(arr) == 0 {
			return nil
		}
		v, _ := arr[0].(object)
		return v
	}
}

// envelopeValue reads entry[0].changes[0].value from a full webhook envelope.
func envelopeValue(o object) object {
	entry := firstOf("entry")(o)
	if entry == nil {
		return nil
	}
	change := firstOf("changes")(entry)
	if change == nil {
		return nil
	}
	return field("value")(change)
}

func candidates(payload object) []object {
	if payload == nil {
		return nil
	}
	var out []object
	for _, base := range baseExtractors {
		c := base(payload)
		if c == nil {
			continue
		}
		out = append(out, c)
		for _, exp := range expansions {
			if nested := exp(c); nested != nil {
				out = append(out, nested)
			}
		}
	}
	return out
}
