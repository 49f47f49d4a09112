package mqtt

import "strings"

// Topics provides builders for the coordinator's MQTT topics.
type Topics struct{}

// Route maps an AMQP-style exchange and dotted routing key onto an MQTT topic.
// '.' separators become '/', the '*' word wildcard becomes '+' and '#' is kept.
// An empty exchange yields the mapped routing key alone.
func (Topics) Route(exchange, routingKey string) string {
	words := strings.Split(routingKey, ".")
	for i, w := range words {
		if w == "*" {
			words[i] = "+"
		}
	}
	key := strings.Join(words, "/")
	if exchange == "" {
		return key
	}
	return exchange + "/" + key
}

// ValidRoutingKey reports whether a routing key maps to a subscribable topic:
// non-empty words and '#' only as the final word.
func ValidRoutingKey(routingKey string) bool {
	if routingKey == "" {
		return false
	}
	words := strings.Split(routingKey, ".")
	for i, w := range words {
		switch {
		case w == "":
			return false
		case w == "#" && i != len(words)-1:
			return false
		case w != "#" && w != "*" && strings.ContainsAny(w, "+#/*"):
			return false
		}
	}
	return true
}
