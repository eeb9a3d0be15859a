// Package browserfake provides an in-memory, goja-backed double for
// internal/browser.Session/Page, letting extractor tests run real JavaScript
// against a scripted fixture DOM without a remote browser service.
package browserfake

import (
	"context"
	"fmt"
	"sync"

	"github.com/dop251/goja"

	"github.com/leafpulse/tracker/internal/browser"
)

// Element is one scripted DOM node exposed to evaluated JavaScript.
type Element struct {
	Tag        string
	Text       string
	HTML       string
	Value      string
	Attributes map[string]string
	Class      string
	Children   []*Element
	// Nested scopes querySelector/querySelectorAll calls made on this
	// element itself (e.g. a product card reading its own price span),
	// keyed the same way as Fixture.selectors but local to this element.
	Nested map[string][]*Element
}

// Fixture is the scripted page the fake session serves. Tests register
// selectors (an exact string key, not a CSS engine) to the elements
// querySelector/querySelectorAll should return.
type Fixture struct {
	Title string
	URL   string
	HTML  string

	mu        sync.Mutex
	selectors map[string][]*Element
	inputs    map[string]string // selector -> current input value, mutated by evaluated JS
}

// NewFixture constructs an empty scripted page.
func NewFixture() *Fixture {
	return &Fixture{selectors: make(map[string][]*Element), inputs: make(map[string]string)}
}

// Register binds a selector string to the elements it should resolve to.
func (f *Fixture) Register(selector string, elements ...*Element) *Fixture {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.selectors[selector] = elements
	return f
}

// InputValue reads back a value written by evaluated JS via
// document.querySelector(sel).value = ... assignments recorded through SetInputValue.
func (f *Fixture) InputValue(selector string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.inputs[selector]
}

func (f *Fixture) setInputValue(selector, value string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inputs[selector] = value
}

func (f *Fixture) lookup(selector string) []*Element {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.selectors[selector]
}

// Session is a fake browser.Session backed by a single shared goja runtime.
type Session struct {
	fixture *Fixture
}

// NewSession constructs a fake session serving fixture to every page it creates.
func NewSession(fixture *Fixture) *Session {
	return &Session{fixture: fixture}
}

func (s *Session) CreatePage(ctx context.Context) (browser.Page, error) {
	return newPage(s.fixture), nil
}

func (s *Session) Close(ctx context.Context) error { return nil }

// Page is a fake browser.Page whose Evaluate runs real JavaScript in goja
// against s.fixture via a minimal document/window shim.
type Page struct {
	fixture    *Fixture
	vm         *goja.Runtime
	navigated  []string
	lastTarget string
}

func newPage(fixture *Fixture) *Page {
	p := &Page{fixture: fixture, vm: goja.New()}
	p.installShim()
	return p
}

func (p *Page) installShim() {
	document := p.vm.NewObject()
	_ = document.Set("title", p.fixture.Title)
	_ = document.Set("body", map[string]any{"innerText": p.fixture.HTML})

	_ = document.Set("querySelector", func(call goja.FunctionCall) goja.Value {
		sel := call.Argument(0).String()
		elements := p.fixture.lookup(sel)
		if len(elements) == 0 {
			return goja.Null()
		}
		return p.wrapElement(sel, elements[0])
	})
	_ = document.Set("querySelectorAll", func(call goja.FunctionCall) goja.Value {
		sel := call.Argument(0).String()
		elements := p.fixture.lookup(sel)
		wrapped := make([]goja.Value, 0, len(elements))
		for _, el := range elements {
			wrapped = append(wrapped, p.wrapElement(sel, el))
		}
		return p.vm.ToValue(wrapped)
	})

	_ = p.vm.Set("document", document)

	window := p.vm.NewObject()
	_ = window.Set("location", map[string]any{"href": p.fixture.URL})
	_ = window.Set("innerHeight", 800)
	_ = window.Set("scrollTo", func(call goja.FunctionCall) goja.Value { return goja.Undefined() })
	_ = p.vm.Set("window", window)

	// Minimal Event polyfill: evaluated extractor scripts construct
	// `new Event("input")`/`new Event("change")` to drive dispatchEvent
	// calls; this fake never routes them anywhere, but the constructor
	// must exist for the script to run.
	_, _ = p.vm.RunString(`function Event(type) { this.type = type; }`)
}

func (p *Page) wrapElement(selector string, el *Element) goja.Value {
	obj := p.vm.NewObject()
	_ = obj.Set("tagName", el.Tag)
	_ = obj.Set("textContent", el.Text)
	_ = obj.Set("innerHTML", el.HTML)
	_ = obj.Set("className", el.Class)
	initialValue := el.Value
	if v := p.fixture.InputValue(selector); v != "" {
		initialValue = v
	}
	_ = obj.Set("value", initialValue)
	_ = obj.Set("getAttribute", func(call goja.FunctionCall) goja.Value {
		name := call.Argument(0).String()
		if v, ok := el.Attributes[name]; ok {
			return p.vm.ToValue(v)
		}
		return goja.Null()
	})
	_ = obj.Set("setAttribute", func(call goja.FunctionCall) goja.Value {
		if el.Attributes == nil {
			el.Attributes = make(map[string]string)
		}
		el.Attributes[call.Argument(0).String()] = call.Argument(1).String()
		return goja.Undefined()
	})
	_ = obj.Set("dispatchEvent", func(call goja.FunctionCall) goja.Value { return p.vm.ToValue(true) })
	_ = obj.Set("querySelector", func(call goja.FunctionCall) goja.Value {
		sel := call.Argument(0).String()
		nested := el.Nested[sel]
		if len(nested) == 0 {
			return goja.Null()
		}
		return p.wrapElement(sel, nested[0])
	})
	_ = obj.Set("querySelectorAll", func(call goja.FunctionCall) goja.Value {
		sel := call.Argument(0).String()
		nested := el.Nested[sel]
		wrapped := make([]goja.Value, 0, len(nested))
		for _, n := range nested {
			wrapped = append(wrapped, p.wrapElement(sel, n))
		}
		return p.vm.ToValue(wrapped)
	})
	children := make([]goja.Value, 0, len(el.Children))
	for _, c := range el.Children {
		children = append(children, p.wrapElement(selector, c))
	}
	_ = obj.Set("children", children)
	return obj
}

func (p *Page) Navigate(ctx context.Context, url string, opts browser.NavigateOptions) error {
	p.navigated = append(p.navigated, url)
	p.lastTarget = url
	return nil
}

func (p *Page) WaitForSelector(ctx context.Context, selector string, opts browser.WaitOptions) error {
	if len(p.fixture.lookup(selector)) == 0 {
		return fmt.Errorf("browserfake: selector %q not registered", selector)
	}
	return nil
}

func (p *Page) Evaluate(ctx context.Context, expression string) (any, error) {
	value, err := p.vm.RunString(expression)
	if err != nil {
		return nil, err
	}
	return value.Export(), nil
}

func (p *Page) EvaluateFunction(ctx context.Context, fnSource string, args ...any) (any, error) {
	fn, err := p.vm.RunString("(" + fnSource + ")")
	if err != nil {
		return nil, err
	}
	callable, ok := goja.AssertFunction(fn)
	if !ok {
		return nil, fmt.Errorf("browserfake: evaluated source is not callable")
	}
	jsArgs := make([]goja.Value, 0, len(args))
	for _, a := range args {
		jsArgs = append(jsArgs, p.vm.ToValue(a))
	}
	result, err := callable(goja.Undefined(), jsArgs...)
	if err != nil {
		return nil, err
	}
	return result.Export(), nil
}

func (p *Page) Close(ctx context.Context) error { return nil }

// NavigatedURLs returns every URL this page navigated to, in order.
func (p *Page) NavigatedURLs() []string { return append([]string(nil), p.navigated...) }
