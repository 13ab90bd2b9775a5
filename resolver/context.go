package resolver

// SubSpec is a tagged sub-spec reference: a value placed in the caller's
// initial params (or produced while walking nested data) that the
// resolver recognizes and lifts into the specs table instead of treating
// as an already-resolved value.
type SubSpec struct {
	Spec   *Spec
	Select SelectFn
}

// getPath looks up path inside ctx, walking nested map[string]any values
// one path segment at a time: a multi-element path means "look up that
// nested position in the context".
func getPath(ctx map[string]any, path []string) (any, bool) {
	var cur any = ctx
	for _, p := range path {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		v, ok := m[p]
		if !ok {
			return nil, false
		}
		cur = v
	}
	return cur, true
}

// setPath writes value at path inside ctx, creating intermediate maps as
// needed.
func setPath(ctx map[string]any, path []string, value any) {
	if len(path) == 0 {
		return
	}
	cur := ctx
	for _, p := range path[:len(path)-1] {
		next, ok := cur[p].(map[string]any)
		if !ok {
			next = map[string]any{}
			cur[p] = next
		}
		cur = next
	}
	cur[path[len(path)-1]] = value
}

// deletePath removes the value at path inside ctx, if present.
func deletePath(ctx map[string]any, path []string) {
	if len(path) == 0 {
		return
	}
	cur := ctx
	for _, p := range path[:len(path)-1] {
		next, ok := cur[p].(map[string]any)
		if !ok {
			return
		}
		cur = next
	}
	delete(cur, path[len(path)-1])
}

// liftSubSpecs walks ctx recursively, and for every SubSpec it finds at
// some path, registers the SubSpec's Spec into specs (named by the dotted
// path it was found at), removes the placeholder from ctx, and returns the
// names of the lifted specs: sub-request specs placed in params are
// recognized and lifted into the specs table rather than treated as
// already-resolved values. Lifting does not make them pending.
func liftSubSpecs(ctx map[string]any, specs map[string]*Spec) []string {
	var pending []string
	liftSubSpecsAt(ctx, nil, specs, &pending)
	return pending
}

func liftSubSpecsAt(m map[string]any, prefix []string, specs map[string]*Spec, pending *[]string) {
	for k, v := range m {
		path := append(append([]string{}, prefix...), k)
		switch t := v.(type) {
		case SubSpec:
			name := pathKey(path)
			spec := t.Spec
			spec.Name = name
			spec.Select = t.Select
			specs[name] = spec
			delete(m, k)
			*pending = append(*pending, name)
		case map[string]any:
			liftSubSpecsAt(t, path, specs, pending)
		}
	}
}
