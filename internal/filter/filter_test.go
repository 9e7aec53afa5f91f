package filter

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEquals(t *testing.T) {
	f, err := Parse("(objectClass=com.example.Foo)")
	require.NoError(t, err)

	assert.True(t, f.Matches(map[string]interface{}{"objectClass": "com.example.Foo"}))
	assert.False(t, f.Matches(map[string]interface{}{"objectClass": "com.example.Bar"}))
	assert.True(t, f.Matches(map[string]interface{}{"OBJECTCLASS": "com.example.Foo"}), "key match is case-insensitive")
}

func TestPresence(t *testing.T) {
	f := MustParse("(service.ranking=*)")
	assert.True(t, f.Matches(map[string]interface{}{"service.ranking": 5}))
	assert.False(t, f.Matches(map[string]interface{}{"service.id": 5}))
}

func TestSubstring(t *testing.T) {
	tests := []struct {
		pattern string
		value   string
		want    bool
	}{
		{"foo*", "foobar", true},
		{"foo*", "barfoo", false},
		{"*bar", "foobar", true},
		{"*bar", "barfoo", false},
		{"f*r", "foobar", true},
		{"f*z*r", "foozzzbar", true},
		{"f*z*r", "foobar", false},
	}
	for _, tt := range tests {
		f := MustParse("(name=" + tt.pattern + ")")
		got := f.Matches(map[string]interface{}{"name": tt.value})
		assert.Equalf(t, tt.want, got, "pattern %q against %q", tt.pattern, tt.value)
	}
}

func TestOrdering(t *testing.T) {
	lt := MustParse("(service.ranking<10)")
	gt := MustParse("(service.ranking>10)")

	assert.True(t, lt.Matches(map[string]interface{}{"service.ranking": 5}))
	assert.False(t, lt.Matches(map[string]interface{}{"service.ranking": 15}))
	assert.True(t, gt.Matches(map[string]interface{}{"service.ranking": 15}))
	assert.False(t, gt.Matches(map[string]interface{}{"service.ranking": 5}))
}

func TestNegation(t *testing.T) {
	f := MustParse("(!(service.ranking=0))")
	assert.True(t, f.Matches(map[string]interface{}{"service.ranking": "5"}))
	assert.False(t, f.Matches(map[string]interface{}{"service.ranking": "0"}))
}

func TestConjunctionDisjunction(t *testing.T) {
	and := MustParse("(&(objectClass=Foo)(service.ranking>0))")
	assert.True(t, and.Matches(map[string]interface{}{"objectClass": "Foo", "service.ranking": 5}))
	assert.False(t, and.Matches(map[string]interface{}{"objectClass": "Foo", "service.ranking": 0}))

	or := MustParse("(|(objectClass=Foo)(objectClass=Bar))")
	assert.True(t, or.Matches(map[string]interface{}{"objectClass": "Bar"}))
	assert.False(t, or.Matches(map[string]interface{}{"objectClass": "Baz"}))
}

func TestNestedCombinators(t *testing.T) {
	f := MustParse("(&(objectClass=Foo)(|(env=prod)(env=staging))(!(disabled=true)))")
	assert.True(t, f.Matches(map[string]interface{}{"objectClass": "Foo", "env": "staging", "disabled": "false"}))
	assert.False(t, f.Matches(map[string]interface{}{"objectClass": "Foo", "env": "dev", "disabled": "false"}))
	assert.False(t, f.Matches(map[string]interface{}{"objectClass": "Foo", "env": "prod", "disabled": "true"}))
}

func TestParseErrors(t *testing.T) {
	_, err := Parse("objectClass=Foo")
	assert.Error(t, err, "missing parens")

	_, err = Parse("(objectClass=Foo")
	assert.Error(t, err, "unterminated")

	_, err = Parse("(&)")
	assert.Error(t, err, "empty combinator")

	_, err = Parse("()")
	assert.Error(t, err, "empty attribute")
}
