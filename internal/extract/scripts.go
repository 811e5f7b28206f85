package extract

// Browser-side scripts. Each one carries a ds: marker comment so fakes in
// tests can answer it by substring.

const blockProbeScript = `() => { /* ds:probe */
  return document.documentElement ? document.documentElement.outerHTML.slice(0, 6000) : "";
}`

// styleProps are the computed properties captured per element.
var styleProps = []string{
	"color", "background-color", "font-family", "font-size", "font-weight",
	"line-height", "letter-spacing", "margin", "padding", "gap",
	"border-radius", "border-color", "border-width", "box-shadow",
	"display", "text-transform", "outline", "text-decoration",
}

const computedStylesScript = `(limit, props) => { /* ds:computed-styles */
  const sel = "body, h1, h2, h3, h4, h5, h6, p, a, button, input, select, textarea, nav, header, footer, main, section, article, aside, li, label, [role=button], .btn, .button, .card";
  const nodes = Array.from(document.querySelectorAll(sel)).slice(0, limit);
  const pathOf = (el) => {
    if (el.id) return "#" + CSS.escape(el.id);
    const parts = [];
    let cur = el;
    while (cur && cur.nodeType === 1 && parts.length < 4) {
      let p = cur.tagName.toLowerCase();
      if (cur.parentElement) {
        const sibs = Array.from(cur.parentElement.children).filter(s => s.tagName === cur.tagName);
        if (sibs.length > 1) p += ":nth-of-type(" + (sibs.indexOf(cur) + 1) + ")";
      }
      parts.unshift(p);
      cur = cur.parentElement;
    }
    return parts.join(" > ");
  };
  return { elements: nodes.map(el => {
    const cs = getComputedStyle(el);
    const styles = {};
    props.forEach(p => { const v = cs.getPropertyValue(p); if (v) styles[p] = v; });
    return {
      selector: pathOf(el),
      tag: el.tagName.toLowerCase(),
      role: el.getAttribute("role") || "",
      classes: (el.className && typeof el.className === "string") ? el.className.trim().split(/\s+/).slice(0, 6) : [],
      text: (el.innerText || "").trim().slice(0, 40),
      styles
    };
  }) };
}`

const cssVariablesScript = `() => { /* ds:css-variables */
  const vars = [];
  const seen = new Set();
  const push = (name, value, scope) => {
    const key = scope + "|" + name;
    if (seen.has(key)) return;
    seen.add(key);
    vars.push({ name, value: String(value).trim(), scope });
  };
  for (const sheet of Array.from(document.styleSheets)) {
    let rules;
    try { rules = sheet.cssRules; } catch (e) { continue; }
    const walk = (list) => {
      for (const rule of Array.from(list || [])) {
        if (rule.cssRules) walk(rule.cssRules);
        if (!rule.style) continue;
        for (let i = 0; i < rule.style.length; i++) {
          const name = rule.style[i];
          if (name.startsWith("--")) push(name, rule.style.getPropertyValue(name), rule.selectorText || ":root");
        }
      }
    };
    walk(rules);
  }
  const rootStyle = getComputedStyle(document.documentElement);
  vars.filter(v => v.scope === ":root").forEach(v => {
    const resolved = rootStyle.getPropertyValue(v.name).trim();
    if (resolved) v.value = resolved;
  });
  return { variables: vars };
}`

const interactiveCandidatesScript = `(limit) => { /* ds:interactive-candidates */
  const nodes = Array.from(document.querySelectorAll("button, a[href], [role=button], input[type=submit], input[type=button]"))
    .filter(el => { const r = el.getBoundingClientRect(); return r.width > 0 && r.height > 0; })
    .slice(0, limit);
  return nodes.map((el, i) => {
    el.setAttribute("data-ds-state", String(i));
    return {
      selector: "[data-ds-state=\"" + i + "\"]",
      tag: el.tagName.toLowerCase(),
      type: (el.getAttribute("type") || "").toLowerCase(),
      text: (el.innerText || el.value || "").trim().slice(0, 40)
    };
  });
}`

const stateStylesScript = `(selector, props) => { /* ds:state-styles */
  const el = document.querySelector(selector);
  if (!el) return {};
  const cs = getComputedStyle(el);
  const out = {};
  props.forEach(p => { out[p] = cs.getPropertyValue(p); });
  return out;
}`

const focusStylesScript = `(selector, props) => { /* ds:focus-styles */
  const el = document.querySelector(selector);
  if (!el) return {};
  el.focus({ preventScroll: true });
  const cs = getComputedStyle(el);
  const out = {};
  props.forEach(p => { out[p] = cs.getPropertyValue(p); });
  el.blur();
  return out;
}`

const layoutScript = `() => { /* ds:layout */
  const all = Array.from(document.querySelectorAll("body *")).slice(0, 4000);
  let grids = 0, flex = 0, maxColumns = 0, container = 0;
  for (const el of all) {
    const cs = getComputedStyle(el);
    if (cs.display === "grid" || cs.display === "inline-grid") {
      grids++;
      const cols = cs.gridTemplateColumns.split(" ").filter(Boolean).length;
      if (cols > maxColumns) maxColumns = cols;
    } else if (cs.display === "flex" || cs.display === "inline-flex") {
      flex++;
    }
    if (cs.maxWidth && cs.maxWidth.endsWith("px") && cs.marginLeft === cs.marginRight) {
      const w = parseFloat(cs.maxWidth);
      if (w > container) container = w;
    }
  }
  const media = [];
  for (const sheet of Array.from(document.styleSheets)) {
    let rules;
    try { rules = sheet.cssRules; } catch (e) { continue; }
    for (const rule of Array.from(rules || [])) {
      if (rule.media && rule.media.mediaText) media.push(rule.media.mediaText);
    }
  }
  return {
    container_width: container,
    grid_containers: grids,
    flex_containers: flex,
    max_columns: maxColumns,
    scroll_width: document.documentElement.scrollWidth,
    media
  };
}`

const accessibilityScript = `(limit) => { /* ds:accessibility */
  const bgOf = (el) => {
    let cur = el;
    while (cur && cur.nodeType === 1) {
      const bg = getComputedStyle(cur).backgroundColor;
      if (bg && bg !== "transparent" && !/rgba\([^)]*,\s*0\)$/.test(bg)) return bg;
      cur = cur.parentElement;
    }
    return "rgb(255, 255, 255)";
  };
  const texts = Array.from(document.querySelectorAll("h1, h2, h3, h4, p, a, button, li, label, span"))
    .filter(el => (el.innerText || "").trim().length > 0)
    .slice(0, limit);
  const pairs = texts.map(el => {
    const cs = getComputedStyle(el);
    return {
      selector: el.tagName.toLowerCase() + (el.className && typeof el.className === "string" && el.className.trim() ? "." + el.className.trim().split(/\s+/)[0] : ""),
      color: cs.color,
      background: bgOf(el),
      font_size: cs.fontSize,
      font_weight: cs.fontWeight
    };
  });
  let focusRules = 0;
  for (const sheet of Array.from(document.styleSheets)) {
    let rules;
    try { rules = sheet.cssRules; } catch (e) { continue; }
    for (const rule of Array.from(rules || [])) {
      if (rule.selectorText && /:focus/.test(rule.selectorText)) focusRules++;
    }
  }
  const imgs = Array.from(document.images);
  return {
    pairs,
    images: imgs.length,
    images_with_alt: imgs.filter(i => i.hasAttribute("alt")).length,
    focus_rules: focusRules,
    lang: document.documentElement.getAttribute("lang") || "",
    landmarks: document.querySelectorAll("header, nav, main, footer, [role=main], [role=navigation]").length
  };
}`
