package tagquery

import (
	"fmt"
)

// Query is the object form of a tag expression as stored in presets:
//
//	{"tag": "web"}
//	{"$in": ["web", "db"]}
//	{"$and": [ ... ]}   {"$or": [ ... ]}   {"$not": { ... }}
//	{"$advanced": "web+!db"}
//
// Exactly one field may be set.
type Query struct {
	Tag      string   `json:"tag,omitempty"`
	In       []string `json:"$in,omitempty"`
	And      []Query  `json:"$and,omitempty"`
	Or       []Query  `json:"$or,omitempty"`
	Not      *Query   `json:"$not,omitempty"`
	Advanced string   `json:"$advanced,omitempty"`
}

func (q Query) setFields() int {
	count := 0
	if q.Tag != "" {
		count++
	}
	if len(q.In) > 0 {
		count++
	}
	if len(q.And) > 0 {
		count++
	}
	if len(q.Or) > 0 {
		count++
	}
	if q.Not != nil {
		count++
	}
	if q.Advanced != "" {
		count++
	}
	return count
}

// ToExpression converts the object form into an Expression. An all-empty
// query yields Empty.
func (q Query) ToExpression() (Expression, error) {
	switch n := q.setFields(); {
	case n == 0:
		return Empty{}, nil
	case n > 1:
		return nil, fmt.Errorf("tag query must set exactly one of tag, $in, $and, $or, $not, $advanced")
	}

	switch {
	case q.Tag != "":
		if err := ValidateTag(q.Tag); err != nil {
			return nil, err
		}
		return Tag{Value: q.Tag}, nil

	case len(q.In) > 0:
		for _, tag := range q.In {
			if err := ValidateTag(tag); err != nil {
				return nil, err
			}
		}
		return MatchAll(q.In), nil

	case len(q.And) > 0:
		children, err := toExpressions(q.And)
		if err != nil {
			return nil, err
		}
		return And{Children: children}, nil

	case len(q.Or) > 0:
		children, err := toExpressions(q.Or)
		if err != nil {
			return nil, err
		}
		return Or{Children: children}, nil

	case q.Not != nil:
		child, err := q.Not.ToExpression()
		if err != nil {
			return nil, err
		}
		return Not{Child: child}, nil

	default:
		return ParseAdvanced(q.Advanced)
	}
}

func toExpressions(queries []Query) ([]Expression, error) {
	children := make([]Expression, len(queries))
	for i, sub := range queries {
		expr, err := sub.ToExpression()
		if err != nil {
			return nil, err
		}
		children[i] = expr
	}
	return children, nil
}

// EvaluateQuery evaluates the object form directly against a tag set.
func EvaluateQuery(q Query, tags []string) (bool, error) {
	expr, err := q.ToExpression()
	if err != nil {
		return false, err
	}
	return expr.Evaluate(tags), nil
}
