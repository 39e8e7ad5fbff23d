// Package parser streams SPL XML files into ParsedDocument values. It walks
// the token stream of encoding/xml's Decoder element by element, releasing
// each element's bookkeeping at its close event, so peak memory does not
// scale with document size beyond the emitted document itself.
package parser

import (
	"encoding/xml"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/gowthamrao/spl-load/pkg/types"
)

// HL7Namespace is the SPL namespace URI. Elements are recognized by URI,
// never by prefix: prefixes in the corpus are not stable.
const HL7Namespace = "urn:hl7-org:v3"

// NDCCodeSystem is the OID of the National Drug Code coding system.
const NDCCodeSystem = "2.16.840.1.113883.6.69"

// activeClassCodes are the ingredient classCode values that mark an active
// ingredient (base, mixture, reference).
var activeClassCodes = map[string]bool{
	"ACTIB": true,
	"ACTIM": true,
	"ACTIR": true,
}

// Parser turns SPL XML files into ParsedDocument values.
type Parser struct {
	log *zap.Logger
}

// New returns a Parser logging through log.
func New(log *zap.Logger) *Parser {
	return &Parser{log: log.Named("parser")}
}

// Parse reads the file at path and returns its ParsedDocument. Failures are
// reported as *types.MalformedDocumentError so the orchestrator can
// quarantine the file and continue.
func (p *Parser) Parse(path string) (*types.ParsedDocument, error) {
	p.log.Debug("parsing SPL file", zap.String("path", path))
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	doc, err := p.ParseReader(f, filepath.Base(path))
	if err != nil {
		var m *types.MalformedDocumentError
		if errors.As(err, &m) {
			m.Path = path
		}
		return nil, err
	}
	return doc, nil
}

// ParseReader parses one SPL document from r. sourceName becomes the
// document's SourceFilename.
func (p *Parser) ParseReader(r io.Reader, sourceName string) (*types.ParsedDocument, error) {
	b := &builder{source: sourceName}
	dec := xml.NewDecoder(r)
	// External entity expansion stays disabled; SPL documents do not use
	// custom entities and resolving them is an XXE vector.
	dec.Entity = map[string]string{}

	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, malformed(sourceName, "xml syntax error", err)
		}
		switch t := tok.(type) {
		case xml.StartElement:
			b.startElement(t)
		case xml.EndElement:
			b.endElement()
		case xml.CharData:
			b.charData(t)
		}
	}

	return b.finish()
}

func malformed(path, detail string, err error) error {
	return &types.MalformedDocumentError{Path: path, Detail: detail, Err: err}
}

// frame is one open element on the path stack. Only HL7-namespace elements
// carry a matchable name; foreign-namespace elements keep the depth correct
// without ever matching an extraction rule.
type frame struct {
	name string
}

// builder accumulates extraction state while the token stream advances.
type builder struct {
	source string
	doc    types.ParsedDocument

	path      []frame
	nodeStack []*types.PayloadNode
	root      *types.PayloadNode
	sawRoot   bool

	versionRaw   string
	effectiveRaw string

	ndcSeen map[string]bool

	ingredient *types.Ingredient
	pkgOpen    []*types.Packaging // open containerPackagedProduct levels
	pkgAll     []*types.Packaging // every level, document order
	marketing  *types.MarketingStatus

	// capture receives trimmed character data of the current text-bearing
	// element, when one of the extraction rules wants it.
	capture *string
}

func (b *builder) startElement(t xml.StartElement) {
	inHL7 := t.Name.Space == HL7Namespace
	name := ""
	if inHL7 {
		name = t.Name.Local
	}
	b.path = append(b.path, frame{name: name})
	b.capture = nil

	// Payload construction mirrors the event stream: push a node, fill it
	// until the matching end event pops it.
	node := &types.PayloadNode{Name: t.Name.Local, NS: t.Name.Space}
	for _, a := range t.Attr {
		node.Attrs = append(node.Attrs, types.PayloadAttr{Name: attrName(a), Value: a.Value})
	}
	if len(b.nodeStack) == 0 {
		if b.root != nil {
			// Content after the document element; tolerated, ignored.
			return
		}
		b.root = node
		b.sawRoot = true
	} else {
		parent := b.nodeStack[len(b.nodeStack)-1]
		parent.Children = append(parent.Children, node)
	}
	b.nodeStack = append(b.nodeStack, node)

	if !inHL7 {
		return
	}
	b.extractStart(t)
}

// extractStart applies every attribute-driven extraction rule that matches
// the current path.
func (b *builder) extractStart(t xml.StartElement) {
	local := t.Name.Local
	depth := len(b.path)

	// Document header fields live directly under /document.
	if depth == 2 && b.pathIs("document") {
		switch local {
		case "id":
			b.doc.DocumentID = attr(t, "root")
		case "setId":
			b.doc.SetID = attr(t, "root")
		case "versionNumber":
			b.versionRaw = attr(t, "value")
		case "effectiveTime":
			b.effectiveRaw = attr(t, "value")
		}
		return
	}

	switch local {
	case "name":
		switch {
		case b.ingredient != nil && b.endsWith("ingredientSubstance", "name"):
			if b.ingredient.Name == "" {
				b.capture = &b.ingredient.Name
			}
		case len(b.pkgOpen) > 0 && b.endsWith("containerPackagedProduct", "name"):
			top := b.pkgOpen[len(b.pkgOpen)-1]
			if top.PackageDescription == "" {
				b.capture = &top.PackageDescription
			}
		case b.endsWith("manufacturedProduct", "name"):
			if b.doc.ProductName == "" {
				b.capture = &b.doc.ProductName
			}
		case b.endsWith("representedOrganization", "name"):
			if b.doc.ManufacturerName == "" {
				b.capture = &b.doc.ManufacturerName
			}
		}
	case "desc":
		if len(b.pkgOpen) > 0 && b.endsWith("containerPackagedProduct", "desc") {
			top := b.pkgOpen[len(b.pkgOpen)-1]
			if top.PackageDescription == "" {
				b.capture = &top.PackageDescription
			}
		}
	case "formCode":
		switch {
		case len(b.pkgOpen) > 0 && b.endsWith("containerPackagedProduct", "formCode"):
			top := b.pkgOpen[len(b.pkgOpen)-1]
			if top.PackageType == "" {
				top.PackageType = attr(t, "displayName")
			}
		case b.endsWith("manufacturedProduct", "formCode"):
			if b.doc.DosageForm == "" {
				b.doc.DosageForm = attr(t, "displayName")
			}
		}
	case "routeCode":
		// Multiple routes collapse to the first distinct value.
		if b.doc.RouteOfAdministration == "" &&
			b.endsWith("consumedIn", "substanceAdministration", "routeCode") {
			b.doc.RouteOfAdministration = attr(t, "displayName")
		}
	case "code":
		b.extractCode(t)
	case "ingredient":
		b.ingredient = &types.Ingredient{
			IsActive: activeClassCodes[attr(t, "classCode")],
		}
	case "numerator":
		if b.ingredient != nil && b.endsWith("quantity", "numerator") {
			b.ingredient.StrengthNumerator = attr(t, "value")
			b.ingredient.UnitOfMeasure = attr(t, "unit")
		}
	case "denominator":
		if b.ingredient != nil && b.endsWith("quantity", "denominator") {
			b.ingredient.StrengthDenominator = attr(t, "value")
		}
	case "containerPackagedProduct":
		pkg := &types.Packaging{}
		b.pkgOpen = append(b.pkgOpen, pkg)
		b.pkgAll = append(b.pkgAll, pkg) // document order: outer before inner
	case "marketingAct":
		b.marketing = &types.MarketingStatus{}
	case "statusCode":
		if b.marketing != nil && b.endsWith("marketingAct", "statusCode") {
			b.marketing.MarketingCategory = attr(t, "code")
		}
	case "low":
		if b.marketing != nil && b.endsWith("marketingAct", "effectiveTime", "low") {
			b.marketing.StartDate, _ = ParseSPLDate(attr(t, "value"))
		}
	case "high":
		if b.marketing != nil && b.endsWith("marketingAct", "effectiveTime", "high") {
			b.marketing.EndDate, _ = ParseSPLDate(attr(t, "value"))
		}
	}
}

// extractCode handles <code> elements: product NDCs by code system, UNII
// substance codes inside ingredients, and package NDCs inside containers.
func (b *builder) extractCode(t xml.StartElement) {
	code := attr(t, "code")
	if code == "" {
		return
	}
	switch {
	case b.ingredient != nil && b.endsWith("ingredientSubstance", "code"):
		if b.ingredient.SubstanceCode == "" {
			b.ingredient.SubstanceCode = code
		}
	case len(b.pkgOpen) > 0 && b.endsWith("containerPackagedProduct", "code"):
		top := b.pkgOpen[len(b.pkgOpen)-1]
		if top.PackageNDC == "" {
			top.PackageNDC = code
		}
	case attr(t, "codeSystem") == NDCCodeSystem && b.ingredient == nil && len(b.pkgOpen) == 0:
		// Product-level NDC. Distinct, first-seen order.
		if b.ndcSeen == nil {
			b.ndcSeen = make(map[string]bool)
		}
		if !b.ndcSeen[code] {
			b.ndcSeen[code] = true
			b.doc.NDCs = append(b.doc.NDCs, code)
		}
	}
}

func (b *builder) endElement() {
	if len(b.path) == 0 {
		return
	}
	top := b.path[len(b.path)-1]

	if len(b.nodeStack) > 0 {
		node := b.nodeStack[len(b.nodeStack)-1]
		node.Text = strings.TrimSpace(node.Text)
		b.nodeStack = b.nodeStack[:len(b.nodeStack)-1]
	}

	switch top.name {
	case "ingredient":
		if b.ingredient != nil {
			b.doc.Ingredients = append(b.doc.Ingredients, clean(*b.ingredient))
			b.ingredient = nil
		}
	case "containerPackagedProduct":
		if len(b.pkgOpen) > 0 {
			b.pkgOpen = b.pkgOpen[:len(b.pkgOpen)-1]
		}
	case "marketingAct":
		if b.marketing != nil {
			b.marketing.MarketingCategory = trim(b.marketing.MarketingCategory)
			b.doc.MarketingStatus = append(b.doc.MarketingStatus, *b.marketing)
			b.marketing = nil
		}
	}

	b.capture = nil
	b.path = b.path[:len(b.path)-1]
}

func (b *builder) charData(t xml.CharData) {
	if len(b.nodeStack) > 0 {
		b.nodeStack[len(b.nodeStack)-1].Text += string(t)
	}
	if b.capture != nil {
		*b.capture += string(t)
	}
}

// finish validates required fields and assembles the ParsedDocument.
func (b *builder) finish() (*types.ParsedDocument, error) {
	if !b.sawRoot || b.root == nil {
		return nil, malformed(b.source, "no document element", nil)
	}
	if b.root.Name != "document" || b.root.NS != HL7Namespace {
		return nil, malformed(b.source, "root element is not an HL7 SPL document", nil)
	}

	docID, err := normalizeUUID(b.doc.DocumentID)
	if err != nil {
		return nil, malformed(b.source, "missing or invalid document id", err)
	}
	setID, err := normalizeUUID(b.doc.SetID)
	if err != nil {
		return nil, malformed(b.source, "missing or invalid set id", err)
	}

	version, err := strconv.Atoi(strings.TrimSpace(b.versionRaw))
	if err != nil || version <= 0 {
		return nil, malformed(b.source, "version number must be a positive integer", err)
	}

	effective, err := ParseSPLDate(b.effectiveRaw)
	if err != nil || effective.IsZero() {
		return nil, malformed(b.source, "missing or invalid effective time", err)
	}

	doc := b.doc
	doc.DocumentID = docID
	doc.SetID = setID
	doc.VersionNumber = version
	doc.EffectiveTime = effective
	doc.SourceFilename = b.source
	doc.RawPayload = b.root

	doc.ProductName = trim(doc.ProductName)
	doc.ManufacturerName = trim(doc.ManufacturerName)
	doc.DosageForm = trim(doc.DosageForm)
	doc.RouteOfAdministration = trim(doc.RouteOfAdministration)
	for i, ndc := range doc.NDCs {
		doc.NDCs[i] = trim(ndc)
	}
	for i := range b.pkgAll {
		p := *b.pkgAll[i]
		p.PackageNDC = trim(p.PackageNDC)
		p.PackageDescription = trim(p.PackageDescription)
		p.PackageType = trim(p.PackageType)
		doc.Packaging = append(doc.Packaging, p)
	}

	return &doc, nil
}

// pathIs reports whether the HL7 path from the root equals names followed by
// the current element.
func (b *builder) pathIs(names ...string) bool {
	if len(b.path) != len(names)+1 {
		return false
	}
	for i, n := range names {
		if b.path[i].name != n {
			return false
		}
	}
	return true
}

// endsWith reports whether the open element path ends with the given HL7
// local names, the last being the current element.
func (b *builder) endsWith(names ...string) bool {
	if len(b.path) < len(names) {
		return false
	}
	off := len(b.path) - len(names)
	for i, n := range names {
		if b.path[off+i].name != n {
			return false
		}
	}
	return true
}

func attr(t xml.StartElement, name string) string {
	for _, a := range t.Attr {
		if a.Name.Local == name && (a.Name.Space == "" || a.Name.Space == HL7Namespace) {
			return strings.TrimSpace(a.Value)
		}
	}
	return ""
}

func attrName(a xml.Attr) string {
	if a.Name.Space == "" {
		return a.Name.Local
	}
	return a.Name.Space + ":" + a.Name.Local
}

// normalizeUUID validates v and returns it lowercased.
func normalizeUUID(v string) (string, error) {
	id, err := uuid.Parse(strings.TrimSpace(v))
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

func trim(s string) string { return strings.TrimSpace(s) }

func clean(i types.Ingredient) types.Ingredient {
	i.Name = trim(i.Name)
	i.SubstanceCode = trim(i.SubstanceCode)
	i.StrengthNumerator = trim(i.StrengthNumerator)
	i.StrengthDenominator = trim(i.StrengthDenominator)
	i.UnitOfMeasure = trim(i.UnitOfMeasure)
	return i
}
