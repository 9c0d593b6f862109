package protocol

// Tokenize splits a command line into arguments the way the client consoles
// do: whitespace-separated, with double quotes grouping a single argument.
// There is no escaping inside quotes; an unterminated quote runs to the end
// of the line.
func Tokenize(s string) []string {
	var args []string
	i := 0
	for i < len(s) {
		for i < len(s) && (s[i] == ' ' || s[i] == '\t') {
			i++
		}
		if i >= len(s) {
			break
		}
		if s[i] == '"' {
			i++
			start := i
			for i < len(s) && s[i] != '"' {
				i++
			}
			args = append(args, s[start:i])
			if i < len(s) {
				i++
			}
			continue
		}
		start := i
		for i < len(s) && s[i] != ' ' && s[i] != '\t' {
			i++
		}
		args = append(args, s[start:i])
	}
	return args
}

// Arg returns args[i] or "" when out of range, mirroring how the original
// console code treats missing arguments.
func Arg(args []string, i int) string {
	if i < 0 || i >= len(args) {
		return ""
	}
	return args[i]
}
