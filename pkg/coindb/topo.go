package coindb

// sortConfirms orders a block's confirmed coins so that every coin whose
// parent is created in the same block comes after that parent. Coins with
// external parents keep their relative input order.
func sortConfirms(confirms []Coin) ([]Coin, error) {
	indexByName := make(map[CoinName]int, len(confirms))
	for i, c := range confirms {
		indexByName[c.Name()] = i
	}

	parents := make([]int, len(confirms))
	for i, c := range confirms {
		if p, sameBlock := indexByName[c.ParentCoinName]; sameBlock {
			parents[i] = p
		} else {
			parents[i] = -1
		}
	}

	order, err := dependencyOrder(parents)
	if err != nil {
		return nil, err
	}
	ordered := make([]Coin, 0, len(order))
	for _, i := range order {
		ordered = append(ordered, confirms[i])
	}
	return ordered, nil
}

// dependencyOrder topologically sorts indices given parents[i] (-1 for
// none), parents first. Depth-first with a temporary mark for cycle
// detection.
func dependencyOrder(parents []int) ([]int, error) {
	const (
		unvisited = iota
		inProgress
		done
	)
	state := make([]int, len(parents))
	order := make([]int, 0, len(parents))

	var visit func(i int) error
	visit = func(i int) error {
		switch state[i] {
		case done:
			return nil
		case inProgress:
			return ErrDependencyCycle
		}
		state[i] = inProgress
		if p := parents[i]; p >= 0 {
			if err := visit(p); err != nil {
				return err
			}
		}
		state[i] = done
		order = append(order, i)
		return nil
	}

	for i := range parents {
		if err := visit(i); err != nil {
			return nil, err
		}
	}
	return order, nil
}
