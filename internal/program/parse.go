package program

import (
	"bufio"
	"fmt"
	"strconv"
	"strings"
)

type parsedRule struct {
	line      int
	condition Condition
	action    Action
}

// Parse reads the text produced by String. The state count is inferred as
// the largest state mentioned plus one and may not exceed MaxStates.
func Parse(text string) (*Program, error) {
	rules, err := parseRules(text)
	if err != nil {
		return nil, err
	}
	if len(rules) == 0 {
		return nil, ErrEmptyProgram
	}
	numStates := 0
	for _, r := range rules {
		if r.condition.State >= MaxStates || r.action.Next >= MaxStates {
			return nil, fmt.Errorf("line %d: %w: states must be below %d", r.line, ErrTooManyStates, MaxStates)
		}
		if r.condition.State+1 > numStates {
			numStates = r.condition.State + 1
		}
		if r.action.Next+1 > numStates {
			numStates = r.action.Next + 1
		}
	}
	return build(numStates, rules)
}

// ParseWithStates reads rule text for a program over numStates states.
func ParseWithStates(text string, numStates int) (*Program, error) {
	rules, err := parseRules(text)
	if err != nil {
		return nil, err
	}
	return build(numStates, rules)
}

func build(numStates int, rules []parsedRule) (*Program, error) {
	p, err := New(numStates)
	if err != nil {
		return nil, err
	}
	for _, r := range rules {
		idx, err := p.index(r.condition)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", r.line, err)
		}
		if p.rules[idx].defined() {
			return nil, fmt.Errorf("line %d: duplicate rule for %s", r.line, r.condition)
		}
		if err := p.checkAction(r.condition, r.action); err != nil {
			return nil, fmt.Errorf("line %d: %w", r.line, err)
		}
		p.rules[idx] = r.action
	}
	return p, nil
}

func parseRules(text string) ([]parsedRule, error) {
	var rules []parsedRule
	scanner := bufio.NewScanner(strings.NewReader(text))
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimRight(scanner.Text(), "\r")
		if strings.TrimSpace(line) == "" || strings.HasPrefix(strings.TrimSpace(line), "#") {
			continue
		}
		rule, err := parseLine(line)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", lineNo, err)
		}
		rule.line = lineNo
		rules = append(rules, rule)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return rules, nil
}

// parseLine accepts both the canonical seven-field form, where an empty
// marker action leaves an empty field, and the six-field form without it.
func parseLine(line string) (parsedRule, error) {
	lhs, rhs, ok := strings.Cut(line, "->")
	if !ok {
		return parsedRule{}, fmt.Errorf("missing '->' in %q", line)
	}
	left := strings.Fields(lhs)
	if len(left) != 3 {
		return parsedRule{}, fmt.Errorf("condition %q: want STATE SURROUNDINGS DETECT", strings.TrimSpace(lhs))
	}
	right := strings.Fields(rhs)
	var markerToken, dirToken, nextToken string
	switch len(right) {
	case 2:
		dirToken, nextToken = right[0], right[1]
	case 3:
		markerToken, dirToken, nextToken = right[0], right[1], right[2]
	default:
		return parsedRule{}, fmt.Errorf("action %q: want MARKERACTION DIRECTION NEWSTATE", strings.TrimSpace(rhs))
	}

	state, err := strconv.Atoi(left[0])
	if err != nil {
		return parsedRule{}, fmt.Errorf("state %q: %w", left[0], err)
	}
	surroundings, err := ParseSurroundings(left[1])
	if err != nil {
		return parsedRule{}, err
	}
	marker, err := parseDetect(left[2])
	if err != nil {
		return parsedRule{}, err
	}
	markerAction, err := ParseMarkerAction(markerToken)
	if err != nil {
		return parsedRule{}, err
	}
	move, err := ParseDirection(dirToken)
	if err != nil {
		return parsedRule{}, err
	}
	next, err := strconv.Atoi(nextToken)
	if err != nil {
		return parsedRule{}, fmt.Errorf("next state %q: %w", nextToken, err)
	}
	if state < 0 || next < 0 {
		return parsedRule{}, fmt.Errorf("negative state in %q", line)
	}

	return parsedRule{
		condition: Condition{State: state, Surroundings: surroundings, Marker: marker},
		action:    Action{Marker: markerAction, Move: move, Next: next},
	}, nil
}
