// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package rag

import "strings"

// =============================================================================
// Seed Knowledge Base
// =============================================================================

// KnowledgeDoc is an unembedded knowledge document. Source and Category
// become the citation prefix in RAG context.
type KnowledgeDoc struct {
	Content  string
	Source   string
	Category string
}

// SeedKnowledge returns the built-in French dental protocols, indexed on
// first startup so RAG has immediate value before the practitioner uploads
// anything. Content is intentionally unaccented ASCII so retrieval is not
// hostage to tokenizer accent handling.
func SeedKnowledge() []KnowledgeDoc {
	return []KnowledgeDoc{
		{
			Content: "Protocole d'urgence pour pulpite aigue irreversible: " +
				"Douleur spontanee, pulsatile, exacerbee par le chaud. " +
				"Traitement d'urgence: pulpotomie ou pulpectomie sous anesthesie locale. " +
				"Prescription: Ibuprofene 400mg toutes les 6h (en l'absence de contre-indication) " +
				"ou Paracetamol 1g toutes les 6h. Eviter les antibiotiques sauf en cas de signes " +
				"d'infection (fievre, tumefaction, adenopathie). " +
				"Revoir le patient sous 48-72h pour traitement endodontique definitif.",
			Source:   "Protocole clinique",
			Category: "Urgences",
		},
		{
			Content: "Urgence traumatisme dentaire - Avulsion: " +
				"Reimplanter la dent dans les 60 minutes si possible. " +
				"Conserver la dent dans du lait, serum physiologique ou salive. " +
				"Ne pas toucher la racine. Rincer delicatement sans frotter. " +
				"Contention souple 2 semaines (sauf fracture alveolaire: 4 semaines). " +
				"Antibiotherapie: Amoxicilline 2g/j pendant 7 jours. " +
				"Verifier vaccination antitetanique. Controle clinique et radiographique a J7, J30, " +
				"3 mois, 6 mois, 1 an puis annuellement pendant 5 ans.",
			Source:   "Protocole clinique",
			Category: "Urgences - Traumatisme",
		},
		{
			Content: "Abces periapical aigu: Signes - douleur intense, tumefaction, " +
				"mobilite dentaire, douleur a la percussion, possible fievre. " +
				"Traitement: Drainage par voie endodontique (trepanation) ou chirurgical " +
				"(incision). Antibiotherapie: Amoxicilline 2g/j pendant 7 jours, " +
				"ou Clindamycine 1200mg/j si allergie aux penicillines. " +
				"Antalgique: Paracetamol 1g x 4/j +/- Ibuprofene 400mg x 3/j. " +
				"Revoir sous 48h. Extraction ou traitement endodontique selon pronostic.",
			Source:   "Protocole clinique",
			Category: "Urgences - Infection",
		},
		{
			Content: "Interactions medicamenteuses en odontologie: " +
				"Patients sous anticoagulants (AVK, AOD): INR < 4 pour les actes simples. " +
				"NE PAS prescrire d'AINS. Utiliser Paracetamol comme antalgique. " +
				"Patients sous antiaggregants (Aspirine, Clopidogrel): ne pas interrompre " +
				"pour les extractions simples, assurer hemostase locale (acide tranexamique, " +
				"compresses d'Exacyl). " +
				"Patients sous bisphosphonates: risque d'osteonecrose. Evaluation du risque " +
				"avant tout acte invasif. Antibiotherapie prophylactique si extraction necessaire.",
			Source:   "Pharmacologie",
			Category: "Interactions medicamenteuses",
		},
		{
			Content: "Prescription antibiotique en odontologie (recommandations ANSM/HAS): " +
				"Premiere intention: Amoxicilline 2g/j en 2 prises pendant 7 jours. " +
				"Allergie penicilline: Clindamycine 1200mg/j en 2 prises pendant 7 jours, " +
				"ou Azithromycine 500mg/j pendant 3 jours. " +
				"Infection severe: Amoxicilline + Metronidazole (1500mg/j). " +
				"Antibioprophylaxie endocardite: Amoxicilline 2g en dose unique 1h avant " +
				"le geste, ou Clindamycine 600mg si allergie. " +
				"NE PAS prescrire d'antibiotiques pour: pulpite, alveolite seche, gingivite simple.",
			Source:   "ANSM/HAS",
			Category: "Prescription antibiotique",
		},
		{
			Content: "Anesthesie locale en odontologie: " +
				"Articaine 4% avec adrenaline 1/200 000: anesthesique de reference. " +
				"Dose maximale: 7mg/kg (adulte ~500mg soit ~12 carpules). " +
				"Contre-indications adrenaline: allergie aux sulfites, " +
				"pheochromocytome, tachycardie paroxystique. " +
				"Precautions: patients cardiaques (limiter l'adrenaline a 0.04mg), " +
				"femmes enceintes (eviter les vasoconstricteurs au 1er trimestre). " +
				"Mepivacaine 3% sans vasoconstricteur: alternative si CI a l'adrenaline. " +
				"Duree d'action plus courte (20-40 min pulpaire).",
			Source:   "Protocole clinique",
			Category: "Anesthesie",
		},
		{
			Content: "Classification parodontale (2018 - AAP/EFP): " +
				"Stade I: Perte d'attache 1-2mm, perte osseuse < tiers coronaire. " +
				"Stade II: Perte d'attache 3-4mm, perte osseuse tiers coronaire. " +
				"Stade III: Perte d'attache >= 5mm, perte osseuse moitie ou plus, " +
				"perte de dents (<=4) par parodontite. " +
				"Stade IV: Comme stade III + effondrement occlusal, migration, " +
				"perte de >= 5 dents par parodontite. " +
				"Grades: A (progression lente), B (progression moderee), C (progression rapide). " +
				"Facteurs de risque: tabac (Grade C si > 10 cig/j), diabete non equilibre (HbA1c > 7%).",
			Source:   "AAP/EFP 2018",
			Category: "Parodontologie",
		},
		{
			Content: "Protocole de traitement parodontal: " +
				"Phase 1 (etiologique): Education hygiene, motivation, " +
				"detartrage/surfacage radiculaire sous anesthesie locale. " +
				"Reevaluation a 6-8 semaines. " +
				"Phase 2 (chirurgicale si necessaire): Lambeau d'assainissement, " +
				"regeneration tissulaire guidee (RTG), greffe osseuse. " +
				"Phase 3 (maintenance): Controle tous les 3-4 mois, " +
				"indice de plaque, sondage, radiographies de controle annuelles. " +
				"Objectif: profondeur de poche <= 4mm sans saignement au sondage.",
			Source:   "Protocole clinique",
			Category: "Parodontologie",
		},
		{
			Content: "Indications et contre-indications du traitement endodontique: " +
				"Indications: pulpite irreversible, necrose pulpaire, granulome/kyste periapical, " +
				"resorption interne, traumatisme avec exposition pulpaire. " +
				"Contre-indications relatives: dent non restaurable, fracture verticale, " +
				"poche parodontale profonde (lesion endo-paro), support osseux insuffisant. " +
				"Protocole: radiographie preoperatoire, anesthesie, mise en place du champ " +
				"operatoire (digue obligatoire), acces cameral, localisation des canaux, " +
				"instrumentation, irrigation NaOCl 2.5-5.25%, obturation (gutta-percha + ciment), " +
				"radiographie de controle, restauration coronaire etanche.",
			Source:   "Protocole clinique",
			Category: "Endodontie",
		},
		{
			Content: "Etapes prothese fixee (couronne/bridge): " +
				"1. Examen clinique et radiographique, plan de traitement. " +
				"2. Preparation (reduction axiale 1.5mm, occlusale 2mm pour ceramique). " +
				"3. Empreinte (silicone addition ou numerique). " +
				"4. Prothese provisoire (resine, scellement temporaire). " +
				"5. Essayage bisque ou framework. " +
				"6. Scellement/collage definitif (CVI, CVIMAR ou colle composite). " +
				"7. Controle occlusion et points de contact. " +
				"8. Rendez-vous de controle a 1 semaine puis 6 mois. " +
				"Codes CCAM: HBLD038 (couronne metallique), HBLD036 (couronne ceramo-metallique), " +
				"HBLD040 (couronne ceramique).",
			Source:   "Protocole clinique",
			Category: "Prothese fixee",
		},
		{
			Content: "Implantologie - Protocole standard: " +
				"Bilan pre-implantaire: panoramique + CBCT, analyse osseuse, " +
				"guide chirurgical si necessaire. " +
				"Contre-indications: bisphosphonates IV, radiotherapie cervico-faciale " +
				"recente (< 2 ans), diabete non equilibre, tabagisme actif (risque relatif). " +
				"Chirurgie: lambeau, forage progressif, mise en place implant, " +
				"sutures. Antibioprophylaxie: Amoxicilline 2g 1h avant. " +
				"Cicatrisation: 3-6 mois (mise en charge conventionnelle) " +
				"ou mise en charge immediate si conditions favorables " +
				"(torque > 35 Ncm, stabilite primaire). " +
				"Phase prothetique: empreinte, pilier, couronne sur implant.",
			Source:   "Protocole clinique",
			Category: "Implantologie",
		},
		{
			Content: "Specificites odontologie pediatrique: " +
				"Chronologie eruption: incisives temporaires 6-12 mois, " +
				"1ere molaire permanente 6 ans, incisives permanentes 6-8 ans. " +
				"Carie precoce de l'enfance (CPE): diagnostic des que carie sur " +
				"dent temporaire avant 6 ans. Traitement conservateur privilegie. " +
				"Fluorures: vernis fluore (22 600 ppm) 2-4x/an des eruption. " +
				"Scellements de sillons: des eruption des 1eres molaires permanentes " +
				"si sillons anfractueux. " +
				"Anesthesie: adapter les doses au poids (Articaine 5mg/kg max). " +
				"Coiffage pulpaire indirect sur dent temporaire: MTA ou CaOH2.",
			Source:   "Protocole clinique",
			Category: "Odontologie pediatrique",
		},
		{
			Content: "Indications radiologiques en odontologie (recommandations HAS): " +
				"Radiographie retroalveolaire: diagnostic carie proximale, " +
				"evaluation periapicale, controle endodontique, sondage osseux. " +
				"Panoramique (OPT): bilan initial, evaluation generale, " +
				"dents de sagesse, orthodontie, traumatisme. " +
				"CBCT (cone beam): implantologie, chirurgie complexe, " +
				"endodontie complexe, pathologie sinusienne. " +
				"Principe ALARA: justification de chaque cliche, " +
				"limiter l'exposition, pas de radiographie systematique sans indication. " +
				"Femme enceinte: reporter si possible, tablier plombe si urgent.",
			Source:   "HAS",
			Category: "Radiologie",
		},
		{
			Content: "Protocole d'hygiene et asepsie au cabinet dentaire: " +
				"Desinfection des surfaces entre chaque patient (spray + essuyage). " +
				"Sterilisation des instruments: pre-desinfection, nettoyage " +
				"(ultrasons ou thermolaveur), conditionnement (sachets), " +
				"sterilisation autoclave classe B (134C, 18 min). " +
				"Test de Bowie-Dick quotidien, indicateurs physiques et chimiques, " +
				"controle biologique mensuel (spores). " +
				"Port EPI obligatoire: gants, masque FFP2/chirurgical, lunettes, surblouse. " +
				"Hygiene des mains: SHA entre chaque patient, lavage chirurgical avant actes invasifs.",
			Source:   "ADF/DGS",
			Category: "Hygiene et sterilisation",
		},
	}
}

// =============================================================================
// Chunking
// =============================================================================

// chunkMaxChars keeps each embedded chunk well inside the embedding model's
// context. Seed documents fit in one chunk; uploaded documents may not.
const chunkMaxChars = 1200

// ChunkText splits text into sentence groups no longer than chunkMaxChars.
// Sentences are never split; a single oversized sentence becomes its own
// chunk.
func ChunkText(text string) []string {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	if len(text) <= chunkMaxChars {
		return []string{text}
	}

	sentences := splitSentences(text)
	var chunks []string
	var current strings.Builder
	for _, s := range sentences {
		if current.Len() > 0 && current.Len()+len(s)+1 > chunkMaxChars {
			chunks = append(chunks, strings.TrimSpace(current.String()))
			current.Reset()
		}
		if current.Len() > 0 {
			current.WriteByte(' ')
		}
		current.WriteString(s)
	}
	if current.Len() > 0 {
		chunks = append(chunks, strings.TrimSpace(current.String()))
	}
	return chunks
}

func splitSentences(text string) []string {
	var sentences []string
	start := 0
	for i := 0; i < len(text); i++ {
		switch text[i] {
		case '.', '!', '?', '\n':
			// Sentence boundary needs trailing whitespace or end of text,
			// so "2.5%" and "J7, J30" survive intact.
			if i+1 == len(text) || text[i+1] == ' ' || text[i+1] == '\n' {
				s := strings.TrimSpace(text[start : i+1])
				if s != "" {
					sentences = append(sentences, s)
				}
				start = i + 1
			}
		}
	}
	if s := strings.TrimSpace(text[start:]); s != "" {
		sentences = append(sentences, s)
	}
	return sentences
}
