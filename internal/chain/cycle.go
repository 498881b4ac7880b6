package chain

import "fmt"

// DetectCycle rejects a configuration whose SUB-CHAIN references form a
// cycle. Parallel branches name providers, not chains, so they never add
// an edge to this graph.
func DetectCycle(defs map[string]Definition) error {
	const (
		white = 0 // unvisited
		gray  = 1 // on the current DFS path
		black = 2 // fully explored
	)
	color := make(map[string]int, len(defs))
	var path []string

	var visit func(name string) error
	visit = func(name string) error {
		switch color[name] {
		case black:
			return nil
		case gray:
			path = append(path, name)
			return fmt.Errorf("chain: sub-chain cycle detected: %v", path)
		}
		color[name] = gray
		path = append(path, name)

		def, ok := defs[name]
		if ok {
			for _, s := range def.Steps {
				if s.Kind == StepSubChain {
					if err := visit(s.SubChainName); err != nil {
						return err
					}
				}
			}
		}

		path = path[:len(path)-1]
		color[name] = black
		return nil
	}

	for name := range defs {
		if color[name] == white {
			if err := visit(name); err != nil {
				return err
			}
		}
	}
	return nil
}
