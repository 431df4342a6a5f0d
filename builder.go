package flowmill

import (
	"fmt"
	"strconv"

	"github.com/flowmill/flowmill/dag"
	"github.com/flowmill/flowmill/expr"
	"github.com/flowmill/flowmill/schema"
)

// BuildOption configures graph construction.
type BuildOption func(*builder)

// WithSourceConnector registers a source factory under a connector name,
// referenced by an input_table's "connector" parameter.
func WithSourceConnector(name string, f SourceFactory) BuildOption {
	return func(b *builder) {
		b.sourceFactories[name] = f
	}
}

// WithSinkConnector registers a sink factory under a connector name,
// referenced by an output_table's "connector" parameter.
func WithSinkConnector(name string, f SinkFactory) BuildOption {
	return func(b *builder) {
		b.sinkFactories[name] = f
	}
}

// Build compiles a graph description into a validated, executable Graph.
// All validation happens here, before any I/O: unresolved references,
// cycles, edge schema compatibility, and every parameter expression's types.
// Any violation yields a ConstructionError and no Graph. Building the same
// description twice yields schema-identical Graphs.
func Build(desc GraphDescription, opts ...BuildOption) (*Graph, error) {
	b := &builder{
		desc:            desc,
		sourceFactories: map[string]SourceFactory{},
		sinkFactories:   map[string]SinkFactory{},
		outSchemas:      map[string]*schema.Schema{},
		inSchemas:       map[string]map[string]*schema.Schema{},
		specs:           map[dag.NodeID]nodeSpec{},
		kinds:           map[dag.NodeID]string{},
	}
	for _, opt := range opts {
		opt(b)
	}
	return b.build()
}

type builder struct {
	desc            GraphDescription
	sourceFactories map[string]SourceFactory
	sinkFactories   map[string]SinkFactory

	components map[string]ComponentDescription
	outSchemas map[string]*schema.Schema
	inSchemas  map[string]map[string]*schema.Schema // component -> port -> producer schema

	specs map[dag.NodeID]nodeSpec
	kinds map[dag.NodeID]string
}

// inputPorts lists the valid input port names per component type.
var inputPorts = map[string][]string{
	TypeInputTable:  {},
	TypeOutputTable: {dag.DefaultPort},
	TypeFilter:      {dag.DefaultPort},
	TypeLookup:      {dag.DefaultPort, PortTable},
	TypeReformat:    {dag.DefaultPort},
	TypeAggregate:   {dag.DefaultPort},
	TypeJoin:        {PortLeft, PortRight},
	TypeSort:        {dag.DefaultPort},
	TypeDedup:       {dag.DefaultPort},
}

func (b *builder) build() (*Graph, error) {
	if err := b.checkShape(); err != nil {
		return nil, err
	}

	order, err := b.componentOrder()
	if err != nil {
		return nil, err
	}

	for _, name := range order {
		if err := b.compileComponent(b.components[name]); err != nil {
			return nil, err
		}
	}

	g, err := b.assemble()
	if err != nil {
		return nil, err
	}
	return g, nil
}

// checkShape validates names, type tags, and connection references before
// any compilation.
func (b *builder) checkShape() error {
	b.components = make(map[string]ComponentDescription, len(b.desc.Components))
	for _, c := range b.desc.Components {
		if c.Name == "" {
			return constructionErrorf("", "component with empty name")
		}
		if _, dup := b.components[c.Name]; dup {
			return constructionErrorf(c.Name, "duplicate component name")
		}
		if _, known := inputPorts[c.Type]; !known {
			return constructionErrorf(c.Name, "unknown component type %q", c.Type)
		}
		b.components[c.Name] = c
	}

	for _, conn := range b.desc.Connections {
		from, ok := b.components[conn.From]
		if !ok {
			return constructionErrorf(conn.From, "connection from unknown component")
		}
		to, ok := b.components[conn.To]
		if !ok {
			return constructionErrorf(conn.To, "connection to unknown component")
		}
		if from.Type == TypeOutputTable {
			return constructionErrorf(conn.From, "output_table cannot produce")
		}
		port := conn.Port
		if port == "" {
			port = dag.DefaultPort
		}
		valid := false
		for _, p := range inputPorts[to.Type] {
			if p == port {
				valid = true
				break
			}
		}
		if !valid {
			return constructionErrorf(conn.To, "component type %s has no input port %q", to.Type, port)
		}
	}
	return nil
}

// componentOrder topologically sorts the description so every component's
// input schemas are known before it compiles. A cyclic description fails
// here, before any component is built.
func (b *builder) componentOrder() ([]string, error) {
	inDegree := make(map[string]int, len(b.components))
	children := make(map[string][]string, len(b.components))
	for name := range b.components {
		inDegree[name] = 0
	}
	for _, conn := range b.desc.Connections {
		children[conn.From] = append(children[conn.From], conn.To)
		inDegree[conn.To]++
	}

	var queue []string
	for _, c := range b.desc.Components {
		if inDegree[c.Name] == 0 {
			queue = append(queue, c.Name)
		}
	}

	var order []string
	for len(queue) > 0 {
		name := queue[0]
		queue = queue[1:]
		order = append(order, name)
		for _, child := range children[name] {
			inDegree[child]--
			if inDegree[child] == 0 {
				queue = append(queue, child)
			}
		}
	}
	if len(order) != len(b.components) {
		return nil, &ConstructionError{Err: fmt.Errorf("%w: graph description contains a cycle", dag.ErrCycleDetected)}
	}
	return order, nil
}

// producerSchema returns the output schema feeding the given port of a
// component, relying on topological compile order.
func (b *builder) producerSchema(name, port string) (*schema.Schema, error) {
	for _, conn := range b.desc.Connections {
		p := conn.Port
		if p == "" {
			p = dag.DefaultPort
		}
		if conn.To != name || p != port {
			continue
		}
		s, ok := b.outSchemas[conn.From]
		if !ok {
			return nil, constructionErrorf(name, "producer %q for port %q has no output schema", conn.From, port)
		}
		return s, nil
	}
	return nil, constructionErrorf(name, "%w: %s", dag.ErrPortUnconnected, port)
}

func (b *builder) setCompiled(c ComponentDescription, out *schema.Schema, ports map[string]*schema.Schema, spec nodeSpec) {
	b.outSchemas[c.Name] = out
	b.inSchemas[c.Name] = ports
	b.specs[dag.NodeID(c.Name)] = spec
	b.kinds[dag.NodeID(c.Name)] = c.Type
}

func (b *builder) compileComponent(c ComponentDescription) error {
	switch c.Type {
	case TypeInputTable:
		return b.compileInputTable(c)
	case TypeOutputTable:
		return b.compileOutputTable(c)
	case TypeFilter:
		return b.compileFilter(c)
	case TypeLookup:
		return b.compileLookup(c)
	case TypeReformat:
		return b.compileReformat(c)
	case TypeAggregate:
		return b.compileAggregate(c)
	case TypeJoin:
		return b.compileJoin(c)
	case TypeSort:
		return b.compileKeyed(c)
	case TypeDedup:
		return b.compileKeyed(c)
	default:
		return constructionErrorf(c.Name, "unknown component type %q", c.Type)
	}
}

func (b *builder) rejectLimit(c ComponentDescription) (int64, error) {
	raw := c.Param("reject_limit")
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || n < 0 {
		return 0, constructionErrorf(c.Name, "malformed reject_limit %q", raw)
	}
	return n, nil
}

func (b *builder) sourceFactory(c ComponentDescription) (SourceFactory, error) {
	name := c.Param("connector")
	if name == "" && len(b.sourceFactories) == 1 {
		for _, f := range b.sourceFactories {
			return f, nil
		}
	}
	f, ok := b.sourceFactories[name]
	if !ok {
		return nil, constructionErrorf(c.Name, "no source connector %q registered", name)
	}
	return f, nil
}

func (b *builder) sinkFactory(c ComponentDescription) (SinkFactory, error) {
	name := c.Param("connector")
	if name == "" && len(b.sinkFactories) == 1 {
		for _, f := range b.sinkFactories {
			return f, nil
		}
	}
	f, ok := b.sinkFactories[name]
	if !ok {
		return nil, constructionErrorf(c.Name, "no sink connector %q registered", name)
	}
	return f, nil
}

func (b *builder) compileInputTable(c ComponentDescription) error {
	out, err := fieldsSchema(c)
	if err != nil {
		return constructionErrorf(c.Name, "%v", err)
	}
	factory, err := b.sourceFactory(c)
	if err != nil {
		return err
	}
	limit, err := b.rejectLimit(c)
	if err != nil {
		return err
	}
	spec := &sourceSpec{schema: out, params: c.Parameters, factory: factory, rejectLimit: limit}
	b.setCompiled(c, out, nil, spec)
	return nil
}

func (b *builder) compileOutputTable(c ComponentDescription) error {
	in, err := fieldsSchema(c)
	if err != nil {
		return constructionErrorf(c.Name, "%v", err)
	}
	factory, err := b.sinkFactory(c)
	if err != nil {
		return err
	}
	partitionKeys := splitKeys(c.Param("partition_keys"))
	for _, k := range partitionKeys {
		if !in.Has(k) {
			return constructionErrorf(c.Name, "partition key %q not in sink schema %s", k, in)
		}
	}
	spec := &sinkSpec{
		schema:        in,
		params:        c.Parameters,
		factory:       factory,
		partitionKeys: partitionKeys,
	}
	b.setCompiled(c, nil, map[string]*schema.Schema{dag.DefaultPort: in}, spec)
	return nil
}

func (b *builder) compileFilter(c ComponentDescription) error {
	in, err := b.inheritedSchema(c)
	if err != nil {
		return err
	}
	src := c.Param("transform")
	if src == "" {
		return constructionErrorf(c.Name, "filter requires a transform parameter")
	}
	predicate, err := expr.CompilePredicate(src, in)
	if err != nil {
		return constructionErrorf(c.Name, "%v", err)
	}
	limit, err := b.rejectLimit(c)
	if err != nil {
		return err
	}
	spec := &filterSpec{predicate: predicate, rejectLimit: limit}
	b.setCompiled(c, in, map[string]*schema.Schema{dag.DefaultPort: in}, spec)
	return nil
}

// inheritedSchema resolves the schema of a schema-preserving component
// (filter, sort, dedup): the declared field list when present, otherwise the
// producer's output schema.
func (b *builder) inheritedSchema(c ComponentDescription) (*schema.Schema, error) {
	if len(c.Fields) > 0 {
		s, err := fieldsSchema(c)
		if err != nil {
			return nil, constructionErrorf(c.Name, "%v", err)
		}
		return s, nil
	}
	return b.producerSchema(c.Name, dag.DefaultPort)
}

func (b *builder) compileKeyed(c ComponentDescription) error {
	in, err := b.inheritedSchema(c)
	if err != nil {
		return err
	}
	keys := splitKeys(c.Param("keys"))
	if len(keys) == 0 {
		return constructionErrorf(c.Name, "%s requires a keys parameter", c.Type)
	}
	for _, k := range keys {
		if !in.Has(k) {
			return constructionErrorf(c.Name, "key %q not in schema %s", k, in)
		}
	}
	var spec nodeSpec
	if c.Type == TypeSort {
		spec = &sortSpec{keys: keys}
	} else {
		spec = &dedupSpec{keys: keys}
	}
	b.setCompiled(c, in, map[string]*schema.Schema{dag.DefaultPort: in}, spec)
	return nil
}

func (b *builder) compileReformat(c ComponentDescription) error {
	in, err := b.producerSchema(c.Name, dag.DefaultPort)
	if err != nil {
		return err
	}
	out, err := fieldsSchema(c)
	if err != nil {
		return constructionErrorf(c.Name, "%v", err)
	}
	src := c.Param("transform")
	if src == "" {
		return constructionErrorf(c.Name, "reformat requires a transform parameter")
	}
	assignments, err := expr.ParseAssignments(src)
	if err != nil {
		return constructionErrorf(c.Name, "%v", err)
	}

	exprs := make([]expr.Expr, out.Len())
	for _, a := range assignments {
		idx := out.IndexOf(a.Name)
		if idx < 0 {
			return constructionErrorf(c.Name, "transform assigns unknown output field %q", a.Name)
		}
		if exprs[idx] != nil {
			return constructionErrorf(c.Name, "output field %q assigned more than once", a.Name)
		}
		e, err := expr.Compile(a.Expr, in)
		if err != nil {
			return constructionErrorf(c.Name, "field %q: %v", a.Name, err)
		}
		declared := out.Field(idx).Type
		if e.Type().IsBool || !declared.AssignableFrom(e.Type().Field) {
			return constructionErrorf(c.Name, "field %q declared %s but expression has type %s", a.Name, declared, e.Type())
		}
		exprs[idx] = e
	}
	for i := 0; i < out.Len(); i++ {
		if exprs[i] == nil {
			return constructionErrorf(c.Name, "output field %q is never assigned", out.Field(i).Name)
		}
	}

	limit, err := b.rejectLimit(c)
	if err != nil {
		return err
	}
	spec := &reformatSpec{out: out, exprs: exprs, rejectLimit: limit}
	b.setCompiled(c, out, map[string]*schema.Schema{dag.DefaultPort: in}, spec)
	return nil
}

func (b *builder) compileAggregate(c ComponentDescription) error {
	in, err := b.producerSchema(c.Name, dag.DefaultPort)
	if err != nil {
		return err
	}
	out, err := fieldsSchema(c)
	if err != nil {
		return constructionErrorf(c.Name, "%v", err)
	}
	keys := splitKeys(c.Param("keys"))
	if len(keys) == 0 {
		return constructionErrorf(c.Name, "aggregate requires a keys parameter")
	}
	keyIdx := make(map[string]int, len(keys))
	for i, k := range keys {
		if !in.Has(k) {
			return constructionErrorf(c.Name, "group key %q not in input schema %s", k, in)
		}
		keyIdx[k] = i
	}

	src := c.Param("transform")
	if src == "" {
		return constructionErrorf(c.Name, "aggregate requires a transform parameter")
	}
	assignments, err := expr.ParseAssignments(src)
	if err != nil {
		return constructionErrorf(c.Name, "%v", err)
	}
	byName := make(map[string]*expr.Node, len(assignments))
	for _, a := range assignments {
		if _, dup := byName[a.Name]; dup {
			return constructionErrorf(c.Name, "output field %q assigned more than once", a.Name)
		}
		byName[a.Name] = a.Expr
	}

	outputs := make([]aggOutput, out.Len())
	for i := 0; i < out.Len(); i++ {
		f := out.Field(i)
		if ki, isKey := keyIdx[f.Name]; isKey {
			if _, conflict := byName[f.Name]; conflict {
				return constructionErrorf(c.Name, "group key %q cannot be assigned in transform", f.Name)
			}
			inType, _ := in.TypeOf(f.Name)
			if !f.Type.AssignableFrom(inType) {
				return constructionErrorf(c.Name, "group key %q declared %s but input has %s", f.Name, f.Type, inType)
			}
			outputs[i] = aggOutput{kind: aggKey, keyIdx: ki, typ: f.Type}
			continue
		}
		node, ok := byName[f.Name]
		if !ok {
			return constructionErrorf(c.Name, "output field %q is never assigned", f.Name)
		}
		delete(byName, f.Name)
		agg, err := b.compileAggOutput(c.Name, f, node, in)
		if err != nil {
			return err
		}
		outputs[i] = agg
	}
	for name := range byName {
		return constructionErrorf(c.Name, "transform assigns unknown output field %q", name)
	}

	limit, err := b.rejectLimit(c)
	if err != nil {
		return err
	}
	spec := &aggregateSpec{in: in, out: out, keys: keys, outputs: outputs, rejectLimit: limit}
	b.setCompiled(c, out, map[string]*schema.Schema{dag.DefaultPort: in}, spec)
	return nil
}

func (b *builder) compileAggOutput(component string, f schema.Field, node *expr.Node, in *schema.Schema) (aggOutput, error) {
	if node.Kind != expr.NodeCall {
		return aggOutput{}, constructionErrorf(component, "field %q must be count(), sum(...) or avg(...)", f.Name)
	}
	switch node.Text {
	case "count":
		if len(node.Args) != 0 {
			return aggOutput{}, constructionErrorf(component, "count takes no arguments")
		}
		if f.Type.Kind != schema.KindInt {
			return aggOutput{}, constructionErrorf(component, "count output %q must be int, declared %s", f.Name, f.Type)
		}
		return aggOutput{kind: aggCount, typ: f.Type}, nil

	case "sum", "avg":
		if len(node.Args) != 1 {
			return aggOutput{}, constructionErrorf(component, "%s requires one argument", node.Text)
		}
		input, err := expr.Compile(node.Args[0], in)
		if err != nil {
			return aggOutput{}, constructionErrorf(component, "field %q: %v", f.Name, err)
		}
		t := input.Type()
		if t.IsBool || t.Field.Kind != schema.KindDecimal {
			return aggOutput{}, constructionErrorf(component, "%s input for %q must be decimal, got %s", node.Text, f.Name, t)
		}
		if f.Type.Kind != schema.KindDecimal {
			return aggOutput{}, constructionErrorf(component, "%s output %q must be decimal, declared %s", node.Text, f.Name, f.Type)
		}
		if node.Text == "sum" && f.Type.Scale != t.Field.Scale {
			// Sums accumulate at the input scale; a differing declared
			// scale would force a silent rescale at emission.
			return aggOutput{}, constructionErrorf(component,
				"sum output %q declared scale %d but input has scale %d", f.Name, f.Type.Scale, t.Field.Scale)
		}
		kind := aggSum
		if node.Text == "avg" {
			kind = aggAvg
		}
		return aggOutput{kind: kind, input: input, typ: f.Type}, nil

	default:
		return aggOutput{}, constructionErrorf(component, "unknown aggregate function %q", node.Text)
	}
}

func (b *builder) compileJoin(c ComponentDescription) error {
	left, err := b.producerSchema(c.Name, PortLeft)
	if err != nil {
		return err
	}
	right, err := b.producerSchema(c.Name, PortRight)
	if err != nil {
		return err
	}
	keys := splitKeys(c.Param("keys"))
	if len(keys) == 0 {
		return constructionErrorf(c.Name, "join requires a keys parameter")
	}
	for _, k := range keys {
		lt, err := left.TypeOf(k)
		if err != nil {
			return constructionErrorf(c.Name, "join key %q not in left schema %s", k, left)
		}
		rt, err := right.TypeOf(k)
		if err != nil {
			return constructionErrorf(c.Name, "join key %q not in right schema %s", k, right)
		}
		if lt.Kind != rt.Kind {
			return constructionErrorf(c.Name, "join key %q has kind %s on the left but %s on the right", k, lt.Kind, rt.Kind)
		}
	}
	joinType, err := ParseJoinType(c.Param("join_type"))
	if err != nil {
		return constructionErrorf(c.Name, "%v", err)
	}

	merged, err := mergedSchema(left, right)
	if err != nil {
		return constructionErrorf(c.Name, "%v", err)
	}
	out := merged
	if len(c.Fields) > 0 {
		declared, err := fieldsSchema(c)
		if err != nil {
			return constructionErrorf(c.Name, "%v", err)
		}
		if err := merged.Satisfies(declared); err != nil {
			return constructionErrorf(c.Name, "declared output schema does not match joined schema: %v", err)
		}
		out = declared
	}

	spec := &joinSpec{left: left, right: right, out: out, keys: keys, typ: joinType}
	b.setCompiled(c, out, map[string]*schema.Schema{PortLeft: left, PortRight: right}, spec)
	return nil
}

// mergedSchema is the left schema followed by the right fields whose names
// the left does not declare; shared key fields appear once.
func mergedSchema(left, right *schema.Schema) (*schema.Schema, error) {
	fields := left.Fields()
	for _, f := range right.Fields() {
		if !left.Has(f.Name) {
			fields = append(fields, f)
		}
	}
	return schema.New(fields...)
}

func (b *builder) compileLookup(c ComponentDescription) error {
	main, err := b.producerSchema(c.Name, dag.DefaultPort)
	if err != nil {
		return err
	}
	table, err := b.producerSchema(c.Name, PortTable)
	if err != nil {
		return err
	}
	keys := splitKeys(c.Param("keys"))
	if len(keys) == 0 {
		return constructionErrorf(c.Name, "lookup requires a keys parameter")
	}
	for _, k := range keys {
		mt, err := main.TypeOf(k)
		if err != nil {
			return constructionErrorf(c.Name, "lookup key %q not in main schema %s", k, main)
		}
		tt, err := table.TypeOf(k)
		if err != nil {
			return constructionErrorf(c.Name, "lookup key %q not in table schema %s", k, table)
		}
		if mt.Kind != tt.Kind {
			return constructionErrorf(c.Name, "lookup key %q has kind %s on the main stream but %s in the table", k, mt.Kind, tt.Kind)
		}
	}

	merged, err := mergedSchema(main, table)
	if err != nil {
		return constructionErrorf(c.Name, "%v", err)
	}
	out := merged
	if len(c.Fields) > 0 {
		declared, err := fieldsSchema(c)
		if err != nil {
			return constructionErrorf(c.Name, "%v", err)
		}
		if err := merged.Satisfies(declared); err != nil {
			return constructionErrorf(c.Name, "declared output schema does not match enriched schema: %v", err)
		}
		out = declared
	}

	var lookupFields []int
	for i := 0; i < table.Len(); i++ {
		if !main.Has(table.Field(i).Name) {
			lookupFields = append(lookupFields, i)
		}
	}

	spec := &lookupSpec{main: main, table: table, out: out, keys: keys, lookupFields: lookupFields}
	b.setCompiled(c, out, map[string]*schema.Schema{dag.DefaultPort: main, PortTable: table}, spec)
	return nil
}

// assemble builds the structural DAG from the compiled components, runs the
// structural validations, and freezes the execution order.
func (b *builder) assemble() (*Graph, error) {
	g := dag.NewGraph()

	for _, c := range b.desc.Components {
		id := dag.NodeID(c.Name)
		node := &dag.Node{ID: id}
		switch c.Type {
		case TypeInputTable:
			node.Type = dag.NodeTypeSource
		case TypeOutputTable:
			node.Type = dag.NodeTypeSink
		default:
			node.Type = dag.NodeTypeOperator
		}
		node.OutputSchema = b.outSchemas[c.Name]
		for _, portName := range inputPorts[c.Type] {
			node.Inputs = append(node.Inputs, dag.Port{Name: portName, Schema: b.inSchemas[c.Name][portName]})
		}
		if err := g.AddNode(node); err != nil {
			return nil, &ConstructionError{Component: c.Name, Err: err}
		}
	}

	for _, conn := range b.desc.Connections {
		if err := g.AddEdge(dag.NodeID(conn.From), dag.NodeID(conn.To), conn.Port); err != nil {
			return nil, &ConstructionError{Component: conn.To, Err: err}
		}
	}

	if err := g.Validate(); err != nil {
		return nil, &ConstructionError{Err: err}
	}
	topo, err := g.TopologicalSort()
	if err != nil {
		return nil, &ConstructionError{Err: err}
	}
	waves, err := computeWaves(g, b.kinds)
	if err != nil {
		return nil, &ConstructionError{Err: err}
	}

	return &Graph{
		name:  b.desc.Name,
		graph: g,
		specs: b.specs,
		topo:  topo,
		waves: waves,
		state: GraphValidated,
	}, nil
}
